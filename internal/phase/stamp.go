package phase

import "time"

// Stamp is an immutable snapshot of scheduler progress.
//
// Onset is the virtual start of the whole experiment: time spent stopped is
// excluded, so Onset plus the durations of the finished phases is always the
// onset of the current phase.
type Stamp struct {
	CurrentIndex  int       `json:"current_index"`
	FinishedCount int       `json:"finished_count"`
	Onset         time.Time `json:"onset"`
}

// Remainder describes a phase interrupted by a stop.
type Remainder struct {
	Index      int   `json:"index"`
	OriginalMs int64 `json:"original_ms"`
	ElapsedMs  int64 `json:"elapsed_ms"`
}

func (r Remainder) RemainingMs() int64 {
	if r.ElapsedMs >= r.OriginalMs {
		return 0
	}
	return r.OriginalMs - r.ElapsedMs
}

// IsInstantaneous reports whether nothing is left to execute.
func (r Remainder) IsInstantaneous() bool {
	return r.RemainingMs() == 0
}

// Reevaluate applies the phase's current duration, so that an increase made
// while stopped lengthens what is left to run.
func (r Remainder) Reevaluate(currentMs int64) Remainder {
	r.OriginalMs = currentMs
	return r
}
