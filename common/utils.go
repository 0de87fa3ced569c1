package common

import "fmt"

// Assert checks a condition and panics if it is false.
//
// Assertions guard invariants of the engine itself: a negative pin count, a page access beyond the block, a log
// accessor called on the wrong record variant. Conditions that can legitimately happen at runtime (I/O failures,
// timeouts, bad caller offsets) are returned as errors instead.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
