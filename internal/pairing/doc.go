// Package pairing implements the relay's protocol state machine.
//
// A Router owns the session registry and the pairing history and turns
// inbound envelopes into outbound ones. It takes no locks: a Hub serializes
// every connect, frame and disconnect onto one goroutine so all state is
// mutated in a single order.
package pairing
