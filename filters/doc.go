// Package filters implements the ordered predicate pipelines that gate
// inbound and outbound messages.
//
// A bus owns three pipelines: before (ahead of handler dispatch), after
// (following dispatch, ahead of acknowledgment) and outgoing (ahead of every
// send, publish, request and reply). Filters run one at a time in registration
// order. The first filter that returns false vetoes the message and no later
// filter runs. A filter that returns an error or panics produces a
// *FilterError, which callers must treat as a fault and not as a veto.
package filters
