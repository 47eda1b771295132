// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport:
// a reconnecting connection manager, a channel pool, a confirming publisher,
// a consumer that leaves settlement to the caller and the topology a bus
// destination needs (its queue, the delayed retry queue and the error and
// audit sinks).
package rabbitmq
