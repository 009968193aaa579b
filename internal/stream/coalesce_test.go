package stream

import (
	"context"
	"testing"
	"time"
)

func collectBatches(t *testing.T, out <-chan []Event) [][]Event {
	t.Helper()
	var batches [][]Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case batch, ok := <-out:
			if !ok {
				return batches
			}
			batches = append(batches, batch)
		case <-timeout:
			t.Fatal("timed out waiting for batches")
		}
	}
}

func TestCoalesceFlushesImmediatelyOnTerminal(t *testing.T) {
	in := make(chan Event)
	out := Coalesce(context.Background(), in, time.Hour, 100)

	go func() {
		in <- Event{Type: EventProcessingStarted, TaskID: "t"}
		in <- Event{Type: EventTaskCompleted, TaskID: "t"}
	}()

	select {
	case batch := <-out:
		if len(batch) != 2 || batch[1].Type != EventTaskCompleted {
			t.Fatalf("batch = %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal event was held back by the window")
	}
	close(in)
}

func TestCoalesceCollapsesRepeatedStatusUpdates(t *testing.T) {
	in := make(chan Event, 8)
	in <- Event{Type: EventStatusUpdate, TaskID: "t", Seq: 1}
	in <- Event{Type: EventStatusUpdate, TaskID: "t", Seq: 2}
	in <- Event{Type: EventStatusUpdate, TaskID: "t", Seq: 3}
	in <- Event{Type: EventStepStarted, TaskID: "t", Seq: 4}
	in <- Event{Type: EventTaskError, TaskID: "t", Seq: 5}
	close(in)

	batches := collectBatches(t, Coalesce(context.Background(), in, time.Hour, 100))
	if len(batches) != 1 {
		t.Fatalf("batches = %+v", batches)
	}
	var seqs []uint64
	for _, event := range batches[0] {
		seqs = append(seqs, event.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 3 || seqs[1] != 4 || seqs[2] != 5 {
		t.Fatalf("seqs = %v", seqs)
	}
}

func TestCoalesceFlushesOnWindowAndSize(t *testing.T) {
	in := make(chan Event)
	out := Coalesce(context.Background(), in, 20*time.Millisecond, 2)

	in <- Event{Type: EventTaskCreated}
	in <- Event{Type: EventProcessingStarted}
	select {
	case batch := <-out:
		if len(batch) != 2 {
			t.Fatalf("size batch = %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("size flush did not happen")
	}

	in <- Event{Type: EventFinalResultReady}
	select {
	case batch := <-out:
		if len(batch) != 1 || batch[0].Type != EventFinalResultReady {
			t.Fatalf("window batch = %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("window flush did not happen")
	}
	close(in)
	if rest := collectBatches(t, out); len(rest) != 0 {
		t.Fatalf("unexpected trailing batches = %+v", rest)
	}
}

func TestCoalesceStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Event)
	out := Coalesce(ctx, in, time.Hour, 10)
	cancel()
	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected closed output")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed after cancel")
	}
}
