package module

import (
	"context"
	"time"

	"github.com/skryldev/speechmodelcore/application/orchestrator"
	"github.com/skryldev/speechmodelcore/application/streaming"
	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/domain/ports"
	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"github.com/skryldev/speechmodelcore/pkg/progress"
)

// vadEngineAdapter adapts ports.NativeVAD to streaming.Engine, the
// narrow surface the Streaming Pipeline actually drives. This is the
// "tagged variant selecting which native capability set to bind" of §9.
type vadEngineAdapter struct {
	vad ports.NativeVAD
}

func (a *vadEngineAdapter) AcceptWindow(window []float32) error { return a.vad.AcceptWaveform(window) }
func (a *vadEngineAdapter) IsSpeaking() bool                    { return a.vad.IsSpeechDetected() }

func (a *vadEngineAdapter) PopReady() ([]float32, bool) {
	if a.vad.IsEmpty() {
		return nil, false
	}
	segment := a.vad.Front()
	if err := a.vad.Pop(); err != nil {
		return nil, false
	}
	return segment, true
}

func (a *vadEngineAdapter) Flush() error { return a.vad.Flush() }

// VADConfig configures a VAD module: the native engine config blob plus
// the streaming-pipeline parameters.
type VADConfig struct {
	NativeConfig       ports.NativeConfig
	WindowSize         int // e.g. 512
	PaddingSeconds     float64
	MinSilenceDuration time.Duration
}

// VAD is the voice-activity-detection module variant: Base's acquisition
// and disposal lifecycle plus a streaming.Pipeline driving a
// ports.NativeVAD handle.
type VAD struct {
	*Base

	factory ports.NativeEngineFactory
	cfg     VADConfig

	handle   ports.NativeVAD
	pipeline *streaming.Pipeline

	onSegment  streaming.SegmentHandler
	onSpeaking streaming.SpeakingStateHandler
}

// NewVAD constructs a VAD module. Acquisition and native initialization
// happen asynchronously per Base's contract; the streaming pipeline is
// not usable until WaitReady reports StateReady.
func NewVAD(ctx context.Context, metadata *model.ModelMetadata, orch *orchestrator.Orchestrator, factory ports.NativeEngineFactory, cfg VADConfig, onSegment streaming.SegmentHandler, onSpeaking streaming.SpeakingStateHandler, reporter progress.Reporter, log *logger.Logger, opts ...Option) *VAD {
	v := &VAD{factory: factory, cfg: cfg, onSegment: onSegment, onSpeaking: onSpeaking}
	v.Base = New(ctx, metadata, orch, v, reporter, log, opts...)
	return v
}

// Initialize implements ports.SpeechModule: it opens the native VAD
// handle with a buffer sized to the padding window and starts the
// streaming pipeline bound to it.
func (v *VAD) Initialize(ctx context.Context, sampleRate int) error {
	handle, err := v.factory.OpenVad(v.cfg.NativeConfig, v.cfg.PaddingSeconds)
	if err != nil {
		return pkgerrors.NewNativeInitError(v.Metadata().ModelID, err)
	}
	v.handle = handle

	pipelineCfg := streaming.Config{
		WindowSize:         v.cfg.WindowSize,
		SampleRate:         sampleRate,
		PaddingSeconds:     v.cfg.PaddingSeconds,
		MinSilenceDuration: v.cfg.MinSilenceDuration,
	}
	v.pipeline = streaming.New(pipelineCfg, &vadEngineAdapter{vad: handle}, v.Runner(), v.onSegment, v.onSpeaking, nil)
	return nil
}

// OnDestroy implements ports.SpeechModule: it stops the pipeline and
// releases the native handle.
func (v *VAD) OnDestroy() error {
	if v.pipeline != nil {
		v.pipeline.Dispose()
	}
	if v.handle != nil {
		return v.handle.Dispose()
	}
	return nil
}

// StreamDetect feeds samples into the module's streaming pipeline. A
// no-op once the module has been disposed or before it reaches
// StateReady.
func (v *VAD) StreamDetect(samples []float32) {
	if v.Disposed() || v.pipeline == nil {
		return
	}
	v.pipeline.StreamDetect(samples)
}

// FlushStream drains any buffered audio through the pipeline immediately.
func (v *VAD) FlushStream() {
	if v.Disposed() || v.pipeline == nil {
		return
	}
	v.pipeline.Flush()
}
