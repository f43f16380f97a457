/*
Package nats implements broker.Broker over core NATS with nats-io/nats.go.

Exchanges are subject prefixes: a message published to exchange "rpc" with
routing key "A" travels on subject "rpc.A". Topic binding keys are translated to
NATS wildcards ('*' stays '*', '#' becomes '>') and re-checked client-side with
AMQP semantics. Reply-to, correlation id and message id travel as the
Rpc-Reply-To, Rpc-Correlation-Id and Rpc-Message-Id headers.

Core NATS has no persistence: messages published while no subscriber is bound
are lost, and a queue bound with overlapping patterns receives one copy per
matching binding.
*/
package nats
