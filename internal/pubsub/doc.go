// Package pubsub implements the event registry shared by all components.
//
// The registry:
//   - Dispatches named events synchronously, in registration order
//   - Runs persistent handlers before once-handlers for the same emission
//   - Isolates handler panics so one failing subscriber cannot starve the rest
//   - Makes no ordering guarantee across different event names
package pubsub
