// Package telemetry carries operational signals out of the pipeline
// without binding stages to a metrics vendor. Emitters fan measurements
// into the log stream and onto the event bus; collectors subscribe there.
package telemetry

import (
	"sync/atomic"

	"freighter/internal/eventbus"
	logx "freighter/pkg/logx"
)

// Metric topics published on the event bus.
const (
	TopicMetric = "telemetry.metric"
	TopicTrace  = "telemetry.trace"
)

// Metric is one named measurement with optional labels.
type Metric struct {
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Trace is one named pipeline event with optional labels.
type Trace struct {
	Event  string            `json:"event"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Emitter records metrics and trace events. Implementations must be safe
// for concurrent use and must never block the caller.
type Emitter interface {
	EmitMetric(m Metric)
	EmitTrace(t Trace)
}

// Nop discards everything.
func Nop() Emitter { return nopEmitter{} }

type nopEmitter struct{}

func (nopEmitter) EmitMetric(Metric) {}
func (nopEmitter) EmitTrace(Trace)   {}

// NewLog writes metrics and traces at debug level.
func NewLog(log logx.Logger) Emitter { return &logEmitter{log: log} }

type logEmitter struct {
	log logx.Logger
}

func (e *logEmitter) EmitMetric(m Metric) {
	e.log.Debug("metric",
		logx.String("name", m.Name),
		logx.Float64("value", m.Value),
		logx.Any("labels", m.Labels),
	)
}

func (e *logEmitter) EmitTrace(t Trace) {
	e.log.Debug("trace",
		logx.String("event", t.Event),
		logx.Any("labels", t.Labels),
	)
}

// NewBus publishes onto the event bus; publishes never block, slow
// subscribers lose samples.
func NewBus(bus eventbus.Bus) Emitter { return &busEmitter{bus: bus} }

type busEmitter struct {
	bus eventbus.Bus
}

func (e *busEmitter) EmitMetric(m Metric) {
	e.bus.Publish(eventbus.Event{Type: TopicMetric, Data: m})
}

func (e *busEmitter) EmitTrace(t Trace) {
	e.bus.Publish(eventbus.Event{Type: TopicTrace, Data: t})
}

// Multi fans out to several emitters.
func Multi(emitters ...Emitter) Emitter {
	out := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e == nil {
			continue
		}
		if _, ok := e.(nopEmitter); ok {
			continue
		}
		out = append(out, e)
	}
	switch len(out) {
	case 0:
		return Nop()
	case 1:
		return out[0]
	}
	return multiEmitter(out)
}

type multiEmitter []Emitter

func (m multiEmitter) EmitMetric(metric Metric) {
	for _, e := range m {
		e.EmitMetric(metric)
	}
}

func (m multiEmitter) EmitTrace(t Trace) {
	for _, e := range m {
		e.EmitTrace(t)
	}
}

// Counters keeps cheap process-local tallies for the health surface.
type Counters struct {
	Triggered   atomic.Uint64
	Generated   atomic.Uint64
	Sent        atomic.Uint64
	Failed      atomic.Uint64
	Retries     atomic.Uint64
	DeadLetters atomic.Uint64
}

// Snapshot returns a point-in-time copy for serving.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return nil
	}
	return map[string]uint64{
		"jobs_triggered":   c.Triggered.Load(),
		"jobs_generated":   c.Generated.Load(),
		"transfers_sent":   c.Sent.Load(),
		"transfers_failed": c.Failed.Load(),
		"retries":          c.Retries.Load(),
		"dead_letters":     c.DeadLetters.Load(),
	}
}
