// Package messaging implements the routing and reliability engine of the bus.
//
// Three components live here:
//   - Dispatcher maps message types to handlers and fans a delivery out to
//     them concurrently. The wildcard type "*" receives every message.
//   - Correlator tracks outstanding requests and matches replies to them,
//     including scatter-gather requests that expect several replies.
//   - DeliveryProcessor runs one inbound delivery through the before filters,
//     the dispatcher and correlator, and the after filters, then decides
//     whether the delivery is acknowledged, retried, dead-lettered or audited.
//
// Brokers plug in through the Broker and Delivery interfaces.
package messaging
