// Package streaming implements the Streaming Pipeline (C10): the audio
// intake queue, periodic windowed drain, leading-padding ring, native
// window dispatch, segment emission, and speaking-state derivation,
// grounded on the boundary-detector hysteresis pattern of nupi-ai's
// plugin-vad-local-silero server. The VAD module is its only user; the KWS
// and online-ASR modules feed their native streams directly and do not go
// through a Pipeline.
package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/skryldev/speechmodelcore/application/taskrunner"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"go.uber.org/zap"
)

const drainInterval = 10 * time.Millisecond

// Engine is the minimal native-engine surface the pipeline drives: feed a
// window, ask whether the detector currently sees speech, and drain
// whatever the engine has finished producing since the last call. The VAD
// module satisfies this over ports.NativeVAD; the adapter lives with that
// module.
type Engine interface {
	AcceptWindow(window []float32) error
	IsSpeaking() bool
	// PopReady returns the next ready segment's sample data and whether one
	// was available; called repeatedly until it reports false.
	PopReady() ([]float32, bool)
	Flush() error
}

// Config parameterizes one Pipeline instance per §4.10.
type Config struct {
	WindowSize         int
	SampleRate         int
	PaddingSeconds     float64
	MinSilenceDuration time.Duration
}

func (c Config) paddingCapacity() int {
	min := 16
	want := int(c.PaddingSeconds * float64(c.SampleRate))
	if want < min {
		want = min
	}
	return nextPowerOfTwo(want)
}

func (c Config) minSilenceFrames() int {
	if c.WindowSize <= 0 {
		return 1
	}
	frames := int(c.MinSilenceDuration.Seconds() * float64(c.SampleRate) / float64(c.WindowSize))
	if frames < 1 {
		frames = 1
	}
	return frames
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// SegmentHandler receives a detected speech segment: padding-ring contents
// followed by the native engine's own samples, materialised once into a
// freshly sized slice.
type SegmentHandler func(segment []float32)

// SpeakingStateHandler is invoked exactly when isSpeaking flips, never on
// every window.
type SpeakingStateHandler func(speaking bool)

// Pipeline owns the intake queue, leading-padding ring, and speaking-state
// derivation for one module instance. All operations that touch engine or
// its own buffers are serialised by mu, per §5's "all operations on the
// native engine ... are serialised by a per-module lock".
type Pipeline struct {
	cfg    Config
	engine Engine
	log    *logger.Logger

	mu       sync.Mutex
	queue    []float32
	ring     []float32
	ringLen  int
	ringHead int

	isSpeaking   bool
	silentFrames int

	onSegment  SegmentHandler
	onSpeaking SpeakingStateHandler

	disposed bool
}

// New creates a Pipeline bound to engine and starts its periodic drain
// loop on runner. onSegment/onSpeaking may be nil.
func New(cfg Config, engine Engine, runner *taskrunner.Runner, onSegment SegmentHandler, onSpeaking SpeakingStateHandler, log *logger.Logger) *Pipeline {
	if log == nil {
		log, _ = logger.New(false)
	}
	p := &Pipeline{
		cfg:        cfg,
		engine:     engine,
		log:        log,
		ring:       make([]float32, cfg.paddingCapacity()),
		onSegment:  onSegment,
		onSpeaking: onSpeaking,
	}
	runner.LoopAsync(context.Background(), func(ctx context.Context) error {
		p.drain()
		return nil
	}, drainInterval, nil)
	return p
}

// StreamDetect enqueues samples from a producer. Safe to call from any
// goroutine; it takes the pipeline lock, so a producer waits while a drain
// or Flush is dispatching windows to the engine.
func (p *Pipeline) StreamDetect(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.queue = append(p.queue, samples...)
}

// drain dequeues full windows and dispatches each to the native engine,
// leaving any partial remainder in the queue until more samples arrive or
// Flush is called — §4.10's "periodic drain" step.
func (p *Pipeline) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	for len(p.queue) >= p.cfg.WindowSize {
		window := p.queue[:p.cfg.WindowSize]
		p.queue = p.queue[p.cfg.WindowSize:]
		p.dispatchLocked(window)
	}
}

// dispatchLocked feeds one window to the engine, updates the padding ring
// and speaking state, and emits any segments the engine has finished.
// Caller holds mu.
func (p *Pipeline) dispatchLocked(window []float32) {
	if !p.isSpeaking {
		p.appendRingLocked(window)
	}

	if err := p.engine.AcceptWindow(window); err != nil {
		p.log.Warn("native window dispatch failed", zap.Error(err))
		return
	}

	p.drainSegmentsLocked()
	p.updateSpeakingStateLocked()
}

// appendRingLocked writes window into the circular padding buffer,
// overwriting the oldest samples once the ring is full, so its content
// length is always min(samples-since-last-speech, capacity) per §8.
func (p *Pipeline) appendRingLocked(window []float32) {
	capacity := len(p.ring)
	if capacity == 0 {
		return
	}
	for _, s := range window {
		p.ring[p.ringHead] = s
		p.ringHead = (p.ringHead + 1) % capacity
		if p.ringLen < capacity {
			p.ringLen++
		}
	}
}

// ringSnapshotLocked returns the ring's contents in chronological order
// (oldest first), freshly allocated so the caller can safely clear the
// ring afterward.
func (p *Pipeline) ringSnapshotLocked() []float32 {
	if p.ringLen == 0 {
		return nil
	}
	out := make([]float32, p.ringLen)
	capacity := len(p.ring)
	start := (p.ringHead - p.ringLen + capacity) % capacity
	for i := 0; i < p.ringLen; i++ {
		out[i] = p.ring[(start+i)%capacity]
	}
	return out
}

func (p *Pipeline) clearRingLocked() {
	p.ringLen = 0
	p.ringHead = 0
}

// drainSegmentsLocked polls the engine's ready queue and emits each
// completed segment as padding-ring-contents followed by the engine's own
// samples, materialised exactly once per §4.10.
func (p *Pipeline) drainSegmentsLocked() {
	for {
		samples, ok := p.engine.PopReady()
		if !ok {
			return
		}
		padding := p.ringSnapshotLocked()
		p.clearRingLocked()

		segment := make([]float32, len(padding)+len(samples))
		copy(segment, padding)
		copy(segment[len(padding):], samples)

		if p.onSegment != nil {
			p.onSegment(segment)
		}
	}
}

// updateSpeakingStateLocked applies the hysteresis of §4.10: a
// not-speaking report only flips isSpeaking to false after silentFrames
// has accumulated at least minSilenceFrames worth of windows, and the
// handler fires only on an actual flip.
func (p *Pipeline) updateSpeakingStateLocked() {
	native := p.engine.IsSpeaking()

	if native {
		p.silentFrames = 0
		if !p.isSpeaking {
			p.isSpeaking = true
			if p.onSpeaking != nil {
				p.onSpeaking(true)
			}
		}
		return
	}

	if p.isSpeaking {
		p.silentFrames++
		if p.silentFrames >= p.cfg.minSilenceFrames() {
			p.isSpeaking = false
			p.silentFrames = 0
			if p.onSpeaking != nil {
				p.onSpeaking(false)
			}
		}
	}
}

// Flush drains the queue into the native engine regardless of window
// alignment, calls the engine's own flush, emits any remaining segments,
// and resets speaking state — §4.10's flush operation.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	if len(p.queue) > 0 {
		remainder := p.queue
		p.queue = nil
		p.dispatchLocked(remainder)
	}
	if err := p.engine.Flush(); err != nil {
		p.log.Warn("native flush failed", zap.Error(err))
	}
	p.drainSegmentsLocked()
	if p.isSpeaking && p.onSpeaking != nil {
		p.onSpeaking(false)
	}
	p.isSpeaking = false
	p.silentFrames = 0
	p.clearRingLocked()
}

// Dispose marks the pipeline disposed; StreamDetect/drain/Flush become
// no-ops afterward. The periodic drain loop itself is stopped by the
// owning module's Task Runner disposal, not by this flag — this flag
// exists so a drain tick racing disposal still sees a consistent view.
func (p *Pipeline) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disposed = true
}

// PendingSamples returns the number of samples currently queued but not
// yet dispatched — used by tests asserting the "no sample dropped"
// invariant of §8.
func (p *Pipeline) PendingSamples() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
