package loop

import (
	"github.com/benbjohnson/tracediff"
)

// UnrolledConfig bounds the unrolled loop scan.
type UnrolledConfig struct {
	MinStep  int // smallest window size, inclusive
	MaxStep  int // largest window size, inclusive
	MaxStart int // scan origins are [0, MaxStart)
}

// DefaultUnrolledConfig returns the default scan bounds.
func DefaultUnrolledConfig() UnrolledConfig {
	return UnrolledConfig{MinStep: 2, MaxStep: 65, MaxStart: 7000}
}

// Unrolled is a window of Step records at Start whose opcode sequence is
// repeated immediately afterward.
type Unrolled struct {
	Step  int
	Start int
}

// FindUnrolled reports every (step, origin) pair within config whose window
// repeats. This is a heuristic independent of Detector.
func FindUnrolled(insts []tracediff.Inst, config UnrolledConfig) []Unrolled {
	var a []Unrolled
	for step := config.MinStep; step <= config.MaxStep; step++ {
		if step <= 0 {
			continue
		}
		for start := 0; start < config.MaxStart && start+2*step <= len(insts); start++ {
			first := Body{Begin: start, End: start + step}
			second := Body{Begin: start + step, End: start + 2*step}
			if Equal(insts, first, second) {
				a = append(a, Unrolled{Step: step, Start: start})
			}
		}
	}
	return a
}
