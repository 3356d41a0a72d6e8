package correlation

import (
	"context"
	"strconv"
)

// Header names carried on every message published by dispatch
const (
	HeaderCorrelationID = "correlation-id"
	HeaderCausationID   = "causation-id"
	HeaderMessageID     = "message-id"
	HeaderTenantID      = "tenant-id"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

const correlationContextKey contextKey = "dispatch:correlation:context"

// InputMessage is the inbound message a correlation context was created for
type InputMessage struct {
	Body        string                 `json:"body"`
	Headers     map[string]interface{} `json:"headers,omitempty"`
	MessageID   string                 `json:"messageId,omitempty"`
	Exchange    string                 `json:"exchange,omitempty"`
	RoutingKey  string                 `json:"routingKey,omitempty"`
	DeliveryTag uint64                 `json:"deliveryTag,omitempty"`
	Redelivered bool                   `json:"redelivered,omitempty"`
}

// Context is the causal identity of the unit of work currently executing.
//
// A Context is a value. Deriving a new one never changes the parent, and the
// parent becomes visible again as soon as the derived context.Context goes
// out of scope.
type Context struct {
	CorrelationID string
	CausationID   string
	MessageID     string
	TenantID      string
	InputMessage  *InputMessage
}

// IsZero reports whether no identifier is set
func (c Context) IsZero() bool {
	return c.CorrelationID == "" && c.CausationID == "" && c.MessageID == "" &&
		c.TenantID == "" && c.InputMessage == nil
}

// Headers returns the correlation headers for an outbound message.
// Empty identifiers are omitted.
func (c Context) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, 2)
	if c.CorrelationID != "" {
		headers[HeaderCorrelationID] = c.CorrelationID
	}
	if c.CausationID != "" {
		headers[HeaderCausationID] = c.CausationID
	}
	return headers
}

// Derive returns the context of a message caused by parent. The correlation
// id is inherited and the causation id is the parent's message id.
func Derive(parent Context, messageID string) Context {
	return Context{
		CorrelationID: parent.CorrelationID,
		CausationID:   parent.MessageID,
		MessageID:     messageID,
	}
}

// FromHeaders builds the context of an inbound message from its headers and
// broker message id.
func FromHeaders(headers map[string]interface{}, messageID string) Context {
	return Context{
		CorrelationID: headerString(headers, HeaderCorrelationID),
		CausationID:   headerString(headers, HeaderCausationID),
		TenantID:      headerString(headers, HeaderTenantID),
		MessageID:     messageID,
	}
}

// Current returns the correlation context carried by ctx
func Current(ctx context.Context) (Context, bool) {
	if ctx == nil {
		return Context{}, false
	}
	c, ok := ctx.Value(correlationContextKey).(Context)
	return c, ok
}

// WithContext returns a copy of ctx in which c is the current correlation
// context. An outer context stays untouched and is shadowed only for the
// returned ctx and everything derived from it.
func WithContext(ctx context.Context, c Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationContextKey, c)
}

// Run executes fn with c as the current correlation context and returns its
// result. Goroutines and timers started by fn with the ctx it receives keep
// observing c after Run returns.
func Run[T any](ctx context.Context, c Context, fn func(ctx context.Context) T) T {
	return fn(WithContext(ctx, c))
}

func headerString(headers map[string]interface{}, key string) string {
	v, ok := headers[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	default:
		return ""
	}
}
