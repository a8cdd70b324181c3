// Package progress is the feedback bus (C5): a Reporter accepts
// model.Event values produced by the acquisition and streaming
// components and fans them out to observers, either via a typed handler
// (visitor) or a plain callback. ChannelReporter never blocks the producer
// and MultiReporter recovers handler panics; CallbackReporter calls its
// function directly, so a panic there reaches the producer.
package progress

import (
	"sync"

	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/pkg/logger"
)

// Reporter is the interface every feedback consumer implements.
type Reporter interface {
	Report(event model.Event)
}

// ChannelReporter sends events to a channel, mirroring the teacher's
// non-blocking send: a full channel drops the event rather than stalling
// the producer.
type ChannelReporter struct {
	ch chan<- model.Event
}

// NewChannelReporter creates a reporter that sends events to ch.
func NewChannelReporter(ch chan<- model.Event) *ChannelReporter {
	return &ChannelReporter{ch: ch}
}

func (r *ChannelReporter) Report(event model.Event) {
	select {
	case r.ch <- event:
	default: // non-blocking: drop if channel is full
	}
}

// MultiReporter fans an event out to multiple reporters, serially, in
// registration order. A handler that panics is recovered and logged; it
// never propagates back to the producer or interrupts the remaining
// handlers.
type MultiReporter struct {
	mu        sync.RWMutex
	reporters []Reporter
	log       *logger.Logger
}

// NewMultiReporter creates a fan-out reporter. log may be nil, in which
// case a default production logger is used to report recovered panics.
func NewMultiReporter(log *logger.Logger, reporters ...Reporter) *MultiReporter {
	if log == nil {
		log, _ = logger.New(false)
	}
	return &MultiReporter{reporters: reporters, log: log}
}

func (m *MultiReporter) Add(r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters = append(m.reporters, r)
}

func (m *MultiReporter) Report(event model.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reporters {
		m.deliver(r, event)
	}
}

func (m *MultiReporter) deliver(r Reporter, event model.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Warn("feedback handler panicked; continuing")
		}
	}()
	r.Report(event)
}

// NoopReporter discards all events.
type NoopReporter struct{}

func (n NoopReporter) Report(_ model.Event) {}

// CallbackReporter adapts a plain func(model.Event) into a Reporter,
// supporting the callback form alongside the typed-handler form.
type CallbackReporter func(model.Event)

func (f CallbackReporter) Report(event model.Event) { f(event) }

// Handler is the typed-handler (visitor) form: implementers match on
// event.Kind inside Handle. model.Event.Dispatch hands an event to any
// such handler; it does not switch on Kind itself.
type Handler interface {
	Handle(event model.Event)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(model.Event)

func (f HandlerFunc) Handle(event model.Event) { f(event) }
