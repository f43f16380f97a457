/*
Package kafka implements broker.Broker over Apache Kafka with twmb/franz-go.

Exchanges map to topics (auto-created) and routing keys to record keys. Each
consumed queue is a consumer group named after the queue that starts at the end
of its topics; bindings, including AMQP topic patterns, are applied client-side
because a group always reads whole topics. Message properties travel as the
rpc-reply-to, rpc-correlation-id and rpc-message-id record headers.
*/
package kafka
