package telemetry

import (
	"testing"
	"time"

	"freighter/internal/eventbus"
)

type countingEmitter struct {
	metrics int
	traces  int
}

func (e *countingEmitter) EmitMetric(Metric) { e.metrics++ }
func (e *countingEmitter) EmitTrace(Trace)   { e.traces++ }

func TestMultiFansOut(t *testing.T) {
	t.Parallel()
	a := &countingEmitter{}
	b := &countingEmitter{}
	m := Multi(a, nil, Nop(), b)

	m.EmitMetric(Metric{Name: "triggers_fired", Value: 1})
	m.EmitTrace(Trace{Event: "sweep"})

	for _, e := range []*countingEmitter{a, b} {
		if e.metrics != 1 || e.traces != 1 {
			t.Fatalf("emitter saw %d metrics, %d traces; want 1, 1", e.metrics, e.traces)
		}
	}

	// Nops and nils collapse away entirely.
	if _, ok := Multi(nil, Nop()).(nopEmitter); !ok {
		t.Fatal("Multi of nothing should be a nop")
	}
	if got := Multi(a); got != Emitter(a) {
		t.Fatal("Multi of one should be that emitter")
	}
}

func TestBusEmitterPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(4)
	defer unsub()
	e := NewBus(bus)

	e.EmitMetric(Metric{Name: "jobs_completed", Value: 1, Labels: map[string]string{"schedule_id": "daily"}})

	select {
	case ev := <-sub:
		if ev.Type != TopicMetric {
			t.Fatalf("type = %q, want %q", ev.Type, TopicMetric)
		}
		m, ok := ev.Data.(Metric)
		if !ok || m.Name != "jobs_completed" {
			t.Fatalf("data = %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no metric event published")
	}
}

func TestCountersSnapshot(t *testing.T) {
	t.Parallel()
	var c Counters
	c.Triggered.Add(3)
	c.Sent.Add(2)
	c.DeadLetters.Add(1)

	snap := c.Snapshot()
	if snap["jobs_triggered"] != 3 || snap["transfers_sent"] != 2 || snap["dead_letters"] != 1 {
		t.Fatalf("snapshot = %v", snap)
	}
	if snap["transfers_failed"] != 0 {
		t.Fatalf("snapshot = %v", snap)
	}

	var nilC *Counters
	if nilC.Snapshot() != nil {
		t.Fatal("nil counters must snapshot to nil")
	}
}
