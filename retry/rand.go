package retry

import "math/rand"

// mathRandFloat64 is the real-clock jitter source, isolated in its own file
// so tests never depend on global rand state.
func mathRandFloat64() float64 {
	return rand.Float64()
}
