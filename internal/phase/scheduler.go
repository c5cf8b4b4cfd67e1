package phase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrEmptyPlan = errors.New("nothing to schedule")

// Plan is the input of a single scheduler run.
type Plan struct {
	Phases     []Phase
	StartIndex int

	// Continuation marks the first phase as the tail of an interrupted one;
	// ElapsedOffsetMs of it already ran before the stop.
	Continuation    bool
	ElapsedOffsetMs int64
}

func (p Plan) validate() error {
	if len(p.Phases) == 0 {
		return ErrEmptyPlan
	}
	if p.StartIndex < 0 || p.StartIndex >= len(p.Phases) {
		return fmt.Errorf("%w: start %d of %d", ErrPhaseIndex, p.StartIndex, len(p.Phases))
	}
	if p.ElapsedOffsetMs < 0 {
		return fmt.Errorf("negative elapsed offset %d", p.ElapsedOffsetMs)
	}
	return ValidateAll(p.Phases)
}

// Begin is emitted when a phase starts.
type Begin struct {
	Stamp    Stamp
	Phase    Phase
	Deadline time.Time
}

type Outcome string

const (
	Completed   Outcome = "completed"
	Interrupted Outcome = "interrupted"
	Failed      Outcome = "failed"
)

// Result is what a scheduler run ends with.
type Result struct {
	Outcome Outcome
	Stamp   Stamp

	// For Interrupted: the interrupted phase, its duration and how much of
	// it (including any resumed offset) had run.
	Index      int
	DurationMs int64
	ElapsedMs  int64

	Err error
}

func (r Result) Remainder() Remainder {
	return Remainder{Index: r.Index, OriginalMs: r.DurationMs, ElapsedMs: r.ElapsedMs}
}

// Scheduler executes one plan. Phases run back to back against absolute
// deadlines so that timer latency never accumulates.
type Scheduler struct {
	clock  Clock
	logger *slog.Logger
	wake   chan struct{}

	mu         sync.Mutex
	running    bool
	finishing  bool
	current    int
	durationMs int64
	phaseOnset time.Time
	deadline   time.Time
}

func NewScheduler(clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger.With("component", "scheduler"),
		wake:   make(chan struct{}, 1),
	}
}

// Run blocks until every phase has elapsed, ctx is cancelled or the plan
// is rejected. onBegin is called from the running goroutine.
func (s *Scheduler) Run(ctx context.Context, plan Plan, onBegin func(Begin)) Result {
	if err := plan.validate(); err != nil {
		return Result{Outcome: Failed, Index: plan.StartIndex, Err: err}
	}

	start := s.clock.Now()
	offset := time.Duration(0)
	if plan.Continuation {
		offset = time.Duration(plan.ElapsedOffsetMs) * time.Millisecond
	}
	before := time.Duration(MillisBefore(plan.Phases, plan.StartIndex)) * time.Millisecond
	onset := start.Add(-before - offset)
	phaseOnset := start.Add(-offset)

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for i := plan.StartIndex; i < len(plan.Phases); i++ {
		p := plan.Phases[i]
		durationMs := p.Duration.Millis()

		s.mu.Lock()
		s.running = true
		s.finishing = false
		s.current = i
		s.durationMs = durationMs
		s.phaseOnset = phaseOnset
		s.deadline = phaseOnset.Add(time.Duration(durationMs) * time.Millisecond)
		deadline := s.deadline
		s.mu.Unlock()

		stamp := Stamp{CurrentIndex: i, FinishedCount: i, Onset: onset}
		timer := s.clock.NewTimer(deadline.Sub(s.clock.Now()))
		s.logger.Debug("Phase started", "index", i, "duration_ms", durationMs, "intensity", p.IntensityPercent)
		if onBegin != nil {
			onBegin(Begin{Stamp: stamp, Phase: p, Deadline: deadline})
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return s.interrupted(stamp)
			case <-s.wake:
				timer.Stop()
				s.mu.Lock()
				deadline = s.deadline
				s.mu.Unlock()
				timer = s.clock.NewTimer(deadline.Sub(s.clock.Now()))
			case <-timer.C():
				// Expired phases are marked finishing under the same lock
				// Extend takes.
				s.mu.Lock()
				deadline = s.deadline
				remaining := deadline.Sub(s.clock.Now())
				if remaining <= 0 {
					s.finishing = true
				}
				s.mu.Unlock()
				if remaining > 0 {
					timer = s.clock.NewTimer(remaining)
					continue
				}
				break wait
			}
		}
		phaseOnset = deadline
	}

	n := len(plan.Phases)
	return Result{
		Outcome: Completed,
		Stamp:   Stamp{CurrentIndex: n - 1, FinishedCount: n, Onset: onset},
		Index:   n - 1,
	}
}

func (s *Scheduler) interrupted(stamp Stamp) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := s.clock.Now().Sub(s.phaseOnset).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > s.durationMs {
		elapsed = s.durationMs
	}
	s.logger.Debug("Phase interrupted", "index", s.current, "elapsed_ms", elapsed, "duration_ms", s.durationMs)
	return Result{
		Outcome:    Interrupted,
		Stamp:      stamp,
		Index:      s.current,
		DurationMs: s.durationMs,
		ElapsedMs:  elapsed,
	}
}

// Extend lengthens the running phase to durationMs, measured from that
// phase's onset. Repeated calls each move the same absolute deadline, so a
// series of small increases lands exactly where one large one would.
// It reports false when index is not the running phase, the phase has
// already expired or durationMs would shorten it.
func (s *Scheduler) Extend(index int, durationMs int64) bool {
	s.mu.Lock()
	if !s.running || s.finishing || index != s.current || durationMs < s.durationMs {
		s.mu.Unlock()
		return false
	}
	delta := durationMs - s.durationMs
	s.durationMs = durationMs
	s.deadline = s.deadline.Add(time.Duration(delta) * time.Millisecond)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Current returns the running phase index and its deadline.
func (s *Scheduler) Current() (int, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.deadline, s.running
}
