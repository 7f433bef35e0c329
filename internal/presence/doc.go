// Package presence implements the Presence Tracker component.
//
// The tracker:
//   - Throttles local cursor emission (trailing-edge: one transmission per
//     interval, latest sample wins; leaving emits immediately)
//   - Keeps one record per remote participant with a deterministic display
//     color derived from the client ID
//   - Fades a record after cursorTimeout of silence; deletes only on
//     explicit removal
//   - Drives a host-injected view, never a global UI layer
package presence
