package phase

import (
	"errors"
	"testing"
	"time"
)

func TestDurationMillis(t *testing.T) {
	tests := []struct {
		name string
		d    Duration
		want int64
	}{
		{"milliseconds", Duration{250, Milliseconds}, 250},
		{"fractional seconds", Duration{1.5, Seconds}, 1500},
		{"minutes", Duration{2, Minutes}, 120000},
		{"hours", Duration{0.5, Hours}, 1800000},
		{"half millisecond rounds up", Duration{0.5, Milliseconds}, 1},
		{"unknown unit", Duration{3, Unit("days")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.Millis(); got != tt.want {
				t.Errorf("Expected %d ms, got %d", tt.want, got)
			}
		})
	}
}

func TestPhaseValidate(t *testing.T) {
	ok := Phase{Duration: Duration{10, Seconds}, IntensityPercent: 40}
	if err := ok.Validate(); err != nil {
		t.Errorf("Expected valid phase, got %v", err)
	}

	tooBright := ok
	tooBright.IntensityPercent = 120
	if err := tooBright.Validate(); !errors.Is(err, ErrInvalidIntensity) {
		t.Errorf("Expected ErrInvalidIntensity, got %v", err)
	}

	tooShort := ok
	tooShort.Duration = Duration{0.0001, Seconds}
	if err := tooShort.Validate(); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("Expected ErrInvalidDuration, got %v", err)
	}

	err := ValidateAll([]Phase{ok, tooBright})
	if err == nil || err.Error() != "phases[1]: intensity must be within [0,100], got 120" {
		t.Errorf("Expected indexed error, got %v", err)
	}
}

func TestTotalAndExpectedEndTimes(t *testing.T) {
	phases := []Phase{
		{Duration: Duration{10, Seconds}},
		{Duration: Duration{250, Milliseconds}},
		{Duration: Duration{1.5, Minutes}},
	}
	if got := TotalMillis(phases); got != 10000+250+90000 {
		t.Errorf("Expected total 100250, got %d", got)
	}

	onset := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	ends := ExpectedEndTimes(onset, phases)
	prev := onset
	var sum int64
	for i, end := range ends {
		if got := end.Sub(prev).Milliseconds(); got != phases[i].Duration.Millis() {
			t.Errorf("Phase %d: expected span %d ms, got %d", i, phases[i].Duration.Millis(), got)
		}
		sum += end.Sub(prev).Milliseconds()
		prev = end
	}
	if sum != TotalMillis(phases) {
		t.Errorf("Expected spans to add up to %d, got %d", TotalMillis(phases), sum)
	}
}

func TestMaxAndMinIntensity(t *testing.T) {
	phases := []Phase{{IntensityPercent: 20}, {IntensityPercent: 80}, {IntensityPercent: 5}}
	if got := MaxIntensity(phases); got != 80 {
		t.Errorf("Expected max 80, got %v", got)
	}
	if got := MinIntensity(phases); got != 5 {
		t.Errorf("Expected min 5, got %v", got)
	}
	if MaxIntensity(nil) != 0 || MinIntensity(nil) != 0 {
		t.Error("Expected 0 for an empty list")
	}
}

func TestRemainder(t *testing.T) {
	r := Remainder{Index: 1, OriginalMs: 5000, ElapsedMs: 2000}
	if r.RemainingMs() != 3000 {
		t.Errorf("Expected 3000 ms remaining, got %d", r.RemainingMs())
	}
	if got := r.Reevaluate(8000).RemainingMs(); got != 6000 {
		t.Errorf("Expected 6000 ms after increase, got %d", got)
	}
	done := Remainder{OriginalMs: 5000, ElapsedMs: 5000}
	if !done.IsInstantaneous() {
		t.Error("Expected fully elapsed remainder to be instantaneous")
	}
}
