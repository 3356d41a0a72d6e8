// Package interceptors wraps message handlers with cross-cutting concerns.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs handling with timing information
//   - ValidationInterceptor: rejects invalid messages without retry
//   - FilteringInterceptor: skips messages a MessageFilter does not pass
//   - DuplicateDetectionInterceptor: acknowledges already processed messages
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewDuplicateDetectionInterceptor(
//			interceptors.NewMemoryDuplicateDetector(10*time.Minute)),
//	)
//	client.AddHandler("orders", chain.Then(handler))
//
// Interceptors run in the order they are added, the handler last.
package interceptors
