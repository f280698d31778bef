// Package rabbitmq is the AMQP 0-9-1 plumbing behind the RabbitMQ transport.
//
// ConnectionManager owns the connection and redials it with backoff.
// ChannelPool lends confirm-mode channels to the Publisher and the
// TopologyManager. Consumer opens a dedicated channel per subscription and
// settles each delivery from its handler's error.
package rabbitmq
