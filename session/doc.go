// Package session implements the per-script protocol engine.
//
// Each executable under the script root gets a [Session]: one child process,
// a half-duplex line protocol on its standard streams, and a state machine
// that is either discovering the script's sensor schema or polling current
// values — never both. A [Registry] owns the identity→session map, reacts to
// script-set changes, and fans the host's update tick out to every session.
//
// # Wire protocol
//
// Requests are newline-terminated lines written to the script's stdin,
// replies read one line per request from its stdout:
//
//	?                       reply: tab-joined sensor-name tokens
//	<sensor>\t<param>       reply: the parameter's value, or empty
//	<sensor>\tvalue         reply: the current reading as text
//
// Within one session requests and replies are strictly FIFO-paired with at
// most one request in flight; across sessions there is no ordering guarantee.
package session
