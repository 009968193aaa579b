package stream

import (
	"context"
	"time"
)

const (
	DefaultCoalesceWindow = 100 * time.Millisecond
	DefaultCoalesceBatch  = 32
)

// Coalesce groups events into batches. A batch is flushed when the window
// since its first event elapses, when it holds maxBatch events, or as soon as
// a terminal event arrives. Back-to-back high-frequency events of the same
// type for the same task collapse into the latest one. The output closes when
// in closes (after a final flush) or ctx is done.
func Coalesce(ctx context.Context, in <-chan Event, window time.Duration, maxBatch int) <-chan []Event {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	if maxBatch <= 0 {
		maxBatch = DefaultCoalesceBatch
	}
	out := make(chan []Event)

	go func() {
		defer close(out)
		var (
			batch  []Event
			timer  *time.Timer
			timerC <-chan time.Time
		)
		flush := func() bool {
			if timer != nil {
				timer.Stop()
				timer, timerC = nil, nil
			}
			if len(batch) == 0 {
				return true
			}
			select {
			case out <- batch:
				batch = nil
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-in:
				if !ok {
					flush()
					return
				}
				batch = appendCoalesced(batch, event)
				if event.Type.Terminal() || len(batch) >= maxBatch {
					if !flush() {
						return
					}
					continue
				}
				if timer == nil {
					timer = time.NewTimer(window)
					timerC = timer.C
				}
			case <-timerC:
				timer, timerC = nil, nil
				if !flush() {
					return
				}
			}
		}
	}()
	return out
}

func appendCoalesced(batch []Event, event Event) []Event {
	if n := len(batch); n > 0 && event.Type.HighFrequency() {
		last := batch[n-1]
		if last.Type == event.Type && last.TaskID == event.TaskID {
			batch[n-1] = event
			return batch
		}
	}
	return append(batch, event)
}
