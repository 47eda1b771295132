// Package contracts defines the message and header types that travel over the bus.
//
// A Message carries an application payload and an optional application-level
// correlation id. Headers carry the routing and bookkeeping metadata the bus
// stamps on every message:
//   - identity: MessageId, TypeName, MessageType (Send or Publish)
//   - addressing: SourceAddress, DestinationAddress
//   - timing: TimeSent, TimeReceived, TimeProcessed
//   - reliability: RetryCount, Exception
//   - request/reply: RequestMessageId, ResponseMessageId
//
// Well-known headers are stamped only when absent, so re-sending a message
// keeps its original identity.
package contracts
