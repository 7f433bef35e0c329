// Package session wires the collaboration subsystem together for a host
// application: one shared event registry, a connection manager, the message
// router, and the presence tracker, plus send helpers for the canonical
// outbound message kinds and an application-level keepalive loop.
package session
