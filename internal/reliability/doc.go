// Package reliability guards calls to remote endpoints with a circuit breaker.
//
// A breaker opens after a run of failures and rejects calls until its open
// timeout has passed. It then lets a bounded number of trial calls through
// and closes again once enough of them succeed.
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithSuccessThreshold(2),
//	    WithOpenTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//	    return call(ctx)
//	})
package reliability
