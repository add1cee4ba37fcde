// Package assert checks internal invariants. Checks compile to nothing
// unless the afiyahdebug build tag is set; they never guard against bad
// input data.
package assert

import "runtime/debug"

// True panics with msg and a stack trace when cond is false and debug
// assertions are enabled.
func True(cond bool, msg string) {
	if enabled && !cond {
		panic("assertion failed: " + msg + "\n" + string(debug.Stack()))
	}
}
