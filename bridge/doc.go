// Package bridge turns the callback-based requests of a bus into blocking
// calls.
//
//	b, _ := bridge.New(bus, bridge.WithDefaultTimeout(5*time.Second))
//
//	reply, err := b.Call(ctx, "pricing", "GetPrice", msg, nil, 0)
//	replies, err := b.Gather(ctx, "GetQuote", msg, nil, 3, 0)
//	price, err := bridge.CallTyped[Price](ctx, b, "pricing", "GetPrice", GetPrice{SKU: "A-1"}, 0)
//
// A circuit breaker can guard calls so that an endpoint which keeps timing
// out is failed fast.
package bridge
