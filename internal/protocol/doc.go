// Package protocol implements the wire envelope and the Message Router.
//
// The envelope is a tagged union keyed by the "type" discriminator. Every
// message carries type, an optional client_id, and an RFC 3339 timestamp;
// unrecognized kinds decode into Unknown so a newer server build cannot
// crash an older client.
//
// The Router:
//   - Subscribes once to the Connection Manager's "message" event
//   - Dispatches by kind to a single registered handler (last wins)
//   - Re-emits normalized camelCase events for application consumers
//   - Reports handler failures as "handler_error", unknown kinds as
//     "unknown_message"; neither is fatal
package protocol
