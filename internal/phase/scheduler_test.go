package phase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type run struct {
	begins chan Begin
	done   chan Result
	cancel context.CancelFunc
}

func startRun(s *Scheduler, plan Plan) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{begins: make(chan Begin, 16), done: make(chan Result, 1), cancel: cancel}
	go func() {
		r.done <- s.Run(ctx, plan, func(b Begin) { r.begins <- b })
	}()
	return r
}

func (r *run) nextBegin(t *testing.T) Begin {
	t.Helper()
	select {
	case b := <-r.begins:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for phase begin")
		return Begin{}
	}
}

func (r *run) result(t *testing.T) Result {
	t.Helper()
	select {
	case res := <-r.done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for scheduler result")
		return Result{}
	}
}

func secondsPhases(durations ...float64) []Phase {
	phases := make([]Phase, len(durations))
	for i, d := range durations {
		phases[i] = Phase{Duration: Duration{d, Seconds}, IntensityPercent: float64(10 * (i + 1))}
	}
	return phases
}

func TestSchedulerRunsPhasesInOrder(t *testing.T) {
	clk := newFakeClock(t0)
	phases := secondsPhases(10, 5, 20)
	r := startRun(NewScheduler(clk, nil), Plan{Phases: phases})

	ends := ExpectedEndTimes(t0, phases)
	for i := range phases {
		b := r.nextBegin(t)
		if b.Stamp.CurrentIndex != i || b.Stamp.FinishedCount != i {
			t.Errorf("Expected stamp for phase %d, got %+v", i, b.Stamp)
		}
		if !b.Stamp.Onset.Equal(t0) {
			t.Errorf("Expected onset %v, got %v", t0, b.Stamp.Onset)
		}
		if !b.Deadline.Equal(ends[i]) {
			t.Errorf("Phase %d: expected deadline %v, got %v", i, ends[i], b.Deadline)
		}
		clk.Advance(phases[i].Duration.Std())
	}

	res := r.result(t)
	if res.Outcome != Completed {
		t.Fatalf("Expected completed, got %s", res.Outcome)
	}
	if res.Stamp.FinishedCount != len(phases) {
		t.Errorf("Expected %d finished phases, got %d", len(phases), res.Stamp.FinishedCount)
	}
}

func TestStopAndResumeReproducesTotalDuration(t *testing.T) {
	clk := newFakeClock(t0)
	phases := secondsPhases(10, 5, 20)

	first := startRun(NewScheduler(clk, nil), Plan{Phases: phases})
	first.nextBegin(t)
	clk.Advance(10 * time.Second)
	if b := first.nextBegin(t); b.Stamp.CurrentIndex != 1 {
		t.Fatalf("Expected phase 1, got %d", b.Stamp.CurrentIndex)
	}
	clk.Advance(2 * time.Second)
	first.cancel()

	res := first.result(t)
	if res.Outcome != Interrupted {
		t.Fatalf("Expected interrupted, got %s", res.Outcome)
	}
	rem := res.Remainder()
	if rem.Index != 1 || rem.ElapsedMs != 2000 || rem.RemainingMs() != 3000 {
		t.Fatalf("Unexpected remainder %+v", rem)
	}
	executedBefore := 12 * time.Second

	// Time spent stopped is not part of the experiment.
	clk.Advance(time.Minute)
	resumedAt := clk.Now()

	second := startRun(NewScheduler(clk, nil), Plan{
		Phases:          phases,
		StartIndex:      rem.Index,
		Continuation:    true,
		ElapsedOffsetMs: rem.ElapsedMs,
	})
	b := second.nextBegin(t)
	if b.Stamp.CurrentIndex != 1 {
		t.Errorf("Expected resumed phase 1, got %d", b.Stamp.CurrentIndex)
	}
	if want := resumedAt.Add(-executedBefore); !b.Stamp.Onset.Equal(want) {
		t.Errorf("Expected virtual onset %v, got %v", want, b.Stamp.Onset)
	}
	if want := resumedAt.Add(3 * time.Second); !b.Deadline.Equal(want) {
		t.Errorf("Expected remainder deadline %v, got %v", want, b.Deadline)
	}
	clk.Advance(3 * time.Second)
	second.nextBegin(t)
	clk.Advance(20 * time.Second)

	if res := second.result(t); res.Outcome != Completed {
		t.Fatalf("Expected completed, got %s", res.Outcome)
	}
	total := executedBefore + clk.Now().Sub(resumedAt)
	if total != 35*time.Second {
		t.Errorf("Expected 35s executed, got %v", total)
	}
}

func TestInterruptingAContinuationCountsPriorElapsed(t *testing.T) {
	clk := newFakeClock(t0)
	r := startRun(NewScheduler(clk, nil), Plan{
		Phases:          secondsPhases(5),
		Continuation:    true,
		ElapsedOffsetMs: 2000,
	})
	r.nextBegin(t)
	clk.Advance(time.Second)
	r.cancel()

	res := r.result(t)
	if res.ElapsedMs != 3000 || res.DurationMs != 5000 {
		t.Errorf("Expected 3000/5000 ms, got %d/%d", res.ElapsedMs, res.DurationMs)
	}
}

func TestExtendIsCumulativeAgainstOneDeadline(t *testing.T) {
	clk := newFakeClock(t0)
	s := NewScheduler(clk, nil)
	r := startRun(s, Plan{Phases: secondsPhases(10)})
	r.nextBegin(t)

	for _, ms := range []int64{11000, 12000, 13000} {
		if !s.Extend(0, ms) {
			t.Fatalf("Expected extension to %d to be accepted", ms)
		}
	}
	if s.Extend(0, 12500) {
		t.Error("Expected shortening to be rejected")
	}
	if s.Extend(1, 20000) {
		t.Error("Expected extension of a phase that is not running to be rejected")
	}

	_, deadline, running := s.Current()
	if !running || !deadline.Equal(t0.Add(13*time.Second)) {
		t.Errorf("Expected deadline %v, got %v (running=%v)", t0.Add(13*time.Second), deadline, running)
	}

	clk.Advance(12 * time.Second)
	select {
	case res := <-r.done:
		t.Fatalf("Expected phase still running, got %s", res.Outcome)
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(time.Second)
	if res := r.result(t); res.Outcome != Completed {
		t.Errorf("Expected completed, got %s", res.Outcome)
	}
}

// stallingClock blocks the first Now call made after stall is armed until
// release is closed.
type stallingClock struct {
	*fakeClock
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (c *stallingClock) stall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
}

func (c *stallingClock) Now() time.Time {
	c.mu.Lock()
	pause := c.armed
	c.armed = false
	c.mu.Unlock()
	if pause {
		close(c.entered)
		<-c.release
	}
	return c.fakeClock.Now()
}

func TestExtendAfterExpiryIsRejected(t *testing.T) {
	clk := &stallingClock{
		fakeClock: newFakeClock(t0),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	s := NewScheduler(clk, nil)
	r := startRun(s, Plan{Phases: secondsPhases(2, 2)})
	r.nextBegin(t)

	clk.stall()
	clk.Advance(2 * time.Second)
	select {
	case <-clk.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the phase timer")
	}

	accepted := make(chan bool, 1)
	go func() { accepted <- s.Extend(0, 5000) }()
	time.Sleep(20 * time.Millisecond)
	close(clk.release)

	if <-accepted {
		t.Error("Expected extension of an expired phase to be rejected")
	}
	b := r.nextBegin(t)
	if b.Stamp.CurrentIndex != 1 || !b.Deadline.Equal(t0.Add(4*time.Second)) {
		t.Errorf("Expected phase 1 until %v, got %d until %v", t0.Add(4*time.Second), b.Stamp.CurrentIndex, b.Deadline)
	}

	clk.Advance(2 * time.Second)
	if res := r.result(t); res.Outcome != Completed {
		t.Errorf("Expected completed, got %s", res.Outcome)
	}
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	s := NewScheduler(newFakeClock(t0), nil)

	res := s.Run(context.Background(), Plan{}, nil)
	if res.Outcome != Failed || !errors.Is(res.Err, ErrEmptyPlan) {
		t.Errorf("Expected failed empty plan, got %s %v", res.Outcome, res.Err)
	}

	res = s.Run(context.Background(), Plan{Phases: secondsPhases(1), StartIndex: 3}, nil)
	if res.Outcome != Failed || !errors.Is(res.Err, ErrPhaseIndex) {
		t.Errorf("Expected failed index, got %s %v", res.Outcome, res.Err)
	}
}
