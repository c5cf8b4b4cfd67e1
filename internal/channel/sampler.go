package channel

import (
	"context"
	"time"

	"github.com/labphoton/actinic/internal/device"
)

type samplingTask struct {
	channel    int
	generation uint64
	source     device.SignalSource
	period     time.Duration
	sink       Sink
}

func (t samplingTask) run(ctx context.Context) {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		volts, at, err := average(ctx, t.source, AveragingWindow)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.sink.Post(Fault{
				Channel:      t.channel,
				Generation:   t.generation,
				ControllerID: t.source.UniqueID(),
				Err:          err,
			})
			return
		}
		t.sink.Post(RawSample{
			Channel:      t.channel,
			Generation:   t.generation,
			ControllerID: t.source.UniqueID(),
			Volts:        volts,
			Time:         at,
		})

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// average reads n samples and returns their mean and the time of the last.
func average(ctx context.Context, src device.SignalSource, n int) (float64, time.Time, error) {
	if n < 1 {
		n = 1
	}
	var sum float64
	var last time.Time
	for i := 0; i < n; i++ {
		s, err := src.Sample(ctx)
		if err != nil {
			return 0, time.Time{}, err
		}
		sum += s.Volts
		last = s.Time
	}
	return sum / float64(n), last, nil
}
