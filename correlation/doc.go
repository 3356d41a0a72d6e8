// Package correlation carries the causal identity of a unit of work across
// every asynchronous hop of the dispatch runtime.
//
// A correlation Context holds:
//   - CorrelationID: the logical request chain a message belongs to
//   - CausationID: the message id of the direct trigger
//   - MessageID: the id of the message being processed or published
//   - TenantID and the inbound message itself
//
// The context travels inside a context.Context, so nesting works the same way
// context values do: an inner WithContext shadows the outer one for the
// derived ctx only.
//
// Example usage:
//
//	ctx = correlation.WithContext(ctx, correlation.Context{CorrelationID: "order-42"})
//	logger := slog.New(correlation.NewLogHandler(slog.NewJSONHandler(os.Stdout, nil)))
//	logger.InfoContext(ctx, "accepted") // carries tracing.correlation-id
package correlation
