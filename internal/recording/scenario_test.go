package recording

import (
	"errors"
	"testing"
	"time"

	"github.com/labphoton/actinic/internal/device"
	"github.com/labphoton/actinic/internal/events"
	"github.com/labphoton/actinic/internal/phase"
)

func TestStopAndResumeReproducesConfiguredDuration(t *testing.T) {
	h := newHarness(t, seconds(10, 50, 90)(10, 5, 20))
	m := h.model

	if !m.Run() {
		t.Fatalf("Expected Run to start, blockers: %v", m.Predicates().RunBlockers)
	}
	first := h.waitPhase(0)
	onset := first.Stamp.Onset
	if !onset.Equal(epoch) {
		t.Errorf("Expected onset at %v, got %v", epoch, onset)
	}
	if h.act.Intensity() != 10 {
		t.Errorf("Expected actinic at 10%%, got %v", h.act.Intensity())
	}
	if h.meas.Intensity() != 40 {
		t.Errorf("Expected measuring beam on while recording, got %v", h.meas.Intensity())
	}

	h.clock.Advance(10 * time.Second)
	h.waitPhase(1)
	h.clock.Advance(2 * time.Second)

	if !m.Stop() {
		t.Fatal("Expected Stop to be accepted")
	}
	if m.Stop() {
		t.Error("Expected a second Stop to be ignored")
	}
	h.waitUntil("resume enabled", m.IsResumeEnabled)

	r, ok := m.Remainder()
	if !ok || r.Index != 1 || r.ElapsedMs != 2000 || r.RemainingMs() != 3000 {
		t.Errorf("Expected remainder of phase 1 with 3000ms left, got %+v", r)
	}
	if h.act.Intensity() != 0 {
		t.Errorf("Expected actinic off while stopped, got %v", h.act.Intensity())
	}
	if m.ExpectedEndTimes() != nil {
		t.Error("Expected no end time prediction while stopped")
	}

	h.clock.Advance(100 * time.Second)
	if !m.Resume() {
		t.Fatal("Expected Resume to be accepted")
	}
	resumed := h.waitPhase(1)
	shifted := onset.Add(100 * time.Second)
	if !resumed.Stamp.Onset.Equal(shifted) {
		t.Errorf("Expected onset shifted by the stopped time to %v, got %v", shifted, resumed.Stamp.Onset)
	}
	ends := resumed.ExpectedEnds
	if len(ends) != 3 || !ends[2].Equal(shifted.Add(35*time.Second)) {
		t.Errorf("Expected last phase to end at %v, got %v", shifted.Add(35*time.Second), ends)
	}
	for i := 1; i < len(ends); i++ {
		want := m.Phases()[i].Duration.Std()
		if got := ends[i].Sub(ends[i-1]); got != want {
			t.Errorf("Expected end(%d)-end(%d) = %v, got %v", i, i-1, want, got)
		}
	}

	h.clock.Advance(3 * time.Second)
	h.waitPhase(2)
	if h.act.Intensity() != 90 {
		t.Errorf("Expected actinic at 90%%, got %v", h.act.Intensity())
	}
	h.clock.Advance(20 * time.Second)
	h.waitStatus(Idle)

	if active := h.clock.Now().Sub(shifted); active != 35*time.Second {
		t.Errorf("Expected 35s of active recording, got %v", active)
	}
	h.waitUntil("recording saved", func() bool { return h.saver.count() == 1 })
	rec := h.saver.last()
	if len(rec.Phases) != 3 || rec.Destination == "" || rec.ID == "" {
		t.Errorf("Unexpected saved recording %+v", rec)
	}
	if h.act.Intensity() != 0 || h.meas.Intensity() != 0 {
		t.Error("Expected both beams off after completion")
	}
}

func TestRepeatedExtensionsAreCumulative(t *testing.T) {
	h := newHarness(t, seconds(30)(10))
	m := h.model
	m.Run()
	pb := h.waitPhase(0)

	h.clock.Advance(4 * time.Second)
	for _, secs := range []float64{11, 12.5, 15} {
		if err := m.SetPhaseDuration(0, phase.Duration{Value: secs, Unit: phase.Seconds}); err != nil {
			t.Fatalf("Expected extension to %vs, got %v", secs, err)
		}
	}
	if m.Status() != Running {
		t.Errorf("Expected extension to keep Running, got %s", m.Status())
	}
	end := pb.Stamp.Onset.Add(15 * time.Second)
	if ends := m.ExpectedEndTimes(); len(ends) != 1 || !ends[0].Equal(end) {
		t.Errorf("Expected end at %v, got %v", end, ends)
	}
	if err := m.SetPhaseDuration(0, phase.Duration{Value: 14, Unit: phase.Seconds}); !errors.Is(err, ErrPhaseLocked) {
		t.Errorf("Expected shortening to be refused, got %v", err)
	}

	h.clock.waitTimer(t, end)
	h.clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if m.Status() != Running {
		t.Fatalf("Expected still Running 1s before the extended end, got %s", m.Status())
	}
	h.clock.Advance(time.Second)
	h.waitStatus(Idle)
}

func TestCancelDiscardsRecording(t *testing.T) {
	h := newHarness(t, seconds(30, 60)(10, 10))
	m := h.model
	status, cancel := h.bus.Subscribe(16, events.KindStatus)
	defer cancel()

	m.Run()
	h.waitPhase(0)
	if !m.Cancel() {
		t.Fatal("Expected Cancel to be accepted")
	}
	h.waitStatus(Idle)

	var seen []Status
	for len(status) > 0 {
		seen = append(seen, (<-status).Payload.(Status))
	}
	want := []Status{Running, CancellingInProgress, Idle}
	if len(seen) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Expected transition %d to be %s, got %s", i, want[i], seen[i])
		}
	}
	if h.saver.count() != 0 {
		t.Error("Expected a cancelled recording not to be saved")
	}
	if h.act.Intensity() != 0 {
		t.Errorf("Expected actinic off, got %v", h.act.Intensity())
	}
	if m.Cancel() {
		t.Error("Expected Cancel to be ignored while idle")
	}
}

func TestCancelWhileStoppedIsImmediate(t *testing.T) {
	h := newHarness(t, seconds(10)(10))
	m := h.model
	m.Run()
	h.waitPhase(0)
	m.Stop()
	h.waitUntil("resume enabled", m.IsResumeEnabled)

	if !m.Cancel() {
		t.Fatal("Expected Cancel to be accepted while stopped")
	}
	if m.Status() != Idle {
		t.Errorf("Expected Idle right away, got %s", m.Status())
	}
	if _, ok := m.Remainder(); ok {
		t.Error("Expected the remainder to be dropped")
	}
}

func TestEditingFuturePhaseWhileRunningRebuildsSchedule(t *testing.T) {
	h := newHarness(t, seconds(10, 20, 30)(10, 10, 10))
	m := h.model
	status, cancel := h.bus.Subscribe(16, events.KindStatus)
	defer cancel()

	m.Run()
	first := h.waitPhase(0)
	h.clock.Advance(10 * time.Second)
	h.waitPhase(1)
	h.clock.Advance(4 * time.Second)

	if err := m.SetPhaseIntensity(0, 60); !errors.Is(err, ErrPhaseLocked) {
		t.Errorf("Expected executed phase to be locked, got %v", err)
	}
	if err := m.SetPhaseIntensity(1, 60); !errors.Is(err, ErrPhaseLocked) {
		t.Errorf("Expected executing phase intensity to be fixed, got %v", err)
	}
	if err := m.SetPhaseIntensity(2, 70); err != nil {
		t.Fatalf("Expected future phase edit, got %v", err)
	}

	rebuilt := h.waitPhase(1)
	if !rebuilt.Stamp.Onset.Equal(first.Stamp.Onset) {
		t.Errorf("Expected onset kept at %v, got %v", first.Stamp.Onset, rebuilt.Stamp.Onset)
	}
	if !rebuilt.Deadline.Equal(first.Stamp.Onset.Add(20 * time.Second)) {
		t.Errorf("Expected phase 1 to keep its deadline, got %v", rebuilt.Deadline)
	}
	if m.Status() != Running {
		t.Errorf("Expected Running after the rebuild, got %s", m.Status())
	}

	h.clock.Advance(6 * time.Second)
	h.waitPhase(2)
	if h.act.Intensity() != 70 {
		t.Errorf("Expected the edited intensity, got %v", h.act.Intensity())
	}

	var seen []Status
	for len(status) > 0 {
		seen = append(seen, (<-status).Payload.(Status))
	}
	if len(seen) < 3 || seen[1] != SettingsModifiedWhileRunning || seen[2] != Running {
		t.Errorf("Expected Running, SettingsModifiedWhileRunning, Running; got %v", seen)
	}
}

func TestExtendingWhileStoppedLengthensRemainder(t *testing.T) {
	h := newHarness(t, seconds(10, 10)(10, 10))
	m := h.model
	m.Run()
	h.waitPhase(0)
	h.clock.Advance(4 * time.Second)
	m.Stop()
	h.waitUntil("resume enabled", m.IsResumeEnabled)

	if err := m.SetPhaseDuration(0, phase.Duration{Value: 20, Unit: phase.Seconds}); err != nil {
		t.Fatalf("Expected extension while stopped, got %v", err)
	}
	if m.Status() != SettingsModifiedWhileStopped {
		t.Errorf("Expected SettingsModifiedWhileStopped, got %s", m.Status())
	}
	if err := m.InsertPhase(0, phase.Phase{Duration: phase.Millis(10)}); !errors.Is(err, ErrPhaseLocked) {
		t.Errorf("Expected insertion before the executing phase to be refused, got %v", err)
	}

	if !m.Resume() {
		t.Fatal("Expected Resume from SettingsModifiedWhileStopped")
	}
	pb := h.waitPhase(0)
	if want := h.clock.Now().Add(16 * time.Second); !pb.Deadline.Equal(want) {
		t.Errorf("Expected 16s left, deadline %v, got %v", want, pb.Deadline)
	}
	h.clock.Advance(16 * time.Second)
	h.waitPhase(1)
}

func TestSamplesAreRecordedWhileRunning(t *testing.T) {
	h := newHarness(t, seconds(10)(10))
	m := h.model
	if _, err := m.SetSamplingRate(0, 600); err != nil {
		t.Fatalf("Expected rate accepted, got %v", err)
	}
	before, _ := h.observer.counts()
	m.Run()
	h.waitPhase(0)
	h.waitUntil("samples recorded", func() bool {
		samples, _ := h.observer.counts()
		return samples >= before+3
	})
	h.clock.Advance(10 * time.Second)
	h.waitStatus(Idle)
	h.waitUntil("recording saved", func() bool { return h.saver.count() == 1 })

	rec := h.saver.last()
	if len(rec.Channels) != 1 || len(rec.Channels[0].Points) == 0 {
		t.Fatalf("Expected recorded points, got %+v", rec.Channels)
	}
	if rec.Channels[0].Slope != 1 || rec.Channels[0].SamplesPerMinute != 600 {
		t.Errorf("Expected channel settings in the recording, got %+v", rec.Channels[0])
	}
}

func TestActinicSwapDuringRunReappliesIntensity(t *testing.T) {
	h := newHarness(t, seconds(35)(10))
	backup := device.NewSimulated("act-backup", 600)
	h.reg.Register(backup, device.RoleActinic)

	h.model.Run()
	h.waitPhase(0)
	h.reg.Remove("act")

	h.waitUntil("backup actinic at phase intensity", func() bool { return backup.Intensity() == 35 })
	if h.model.State().ActinicID != "act-backup" {
		t.Errorf("Expected backup actinic to be active, got %s", h.model.State().ActinicID)
	}
	if h.model.Status() != Running {
		t.Errorf("Expected the recording to go on, got %s", h.model.Status())
	}
}
