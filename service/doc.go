/*
Package service turns a broker into a path-addressed RPC and event layer.

A Service owns two route tables (commands and events) and a correlation table of
in-flight calls. Connect declares the shared exchanges, the service's command and
event queues and a private response queue, then consumes three independent streams:

  - commands are decoded, routed by path and answered on the caller's reply-to address;
  - responses are matched to pending calls by correlation id;
  - events are decoded and routed by exact path, without reply.

Misses are logged and dropped: a command for an unknown path is never answered, so the
caller observes a CallTimeoutError. Late or foreign responses are discarded.
*/
package service
