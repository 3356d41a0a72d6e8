// Package reliability provides the retry building blocks of the dispatch
// runtime.
//
//   - FixedDelay: the bounded republish strategy of a subscription
//   - ExponentialBackoff: reconnecting to the broker
//   - IsRetryable / Permanent: classification of handler failures
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 10)
//	err := Retry(ctx, "connect", policy, func() error {
//	    return dial()
//	})
package reliability
