/*
Package rabbitmq implements broker.Broker over AMQP 0-9-1 with rabbitmq/amqp091-go.

Each Adapter owns one connection and one channel. Exchanges, queues and bindings
map one to one onto their AMQP counterparts; message properties travel in the
native ReplyTo, CorrelationId and MessageId fields. Dialer retries the initial
dial with exponential backoff when Config.RetryFor is set.
*/
package rabbitmq
