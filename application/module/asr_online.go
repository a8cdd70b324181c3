package module

import (
	"context"
	"sync"

	"github.com/skryldev/speechmodelcore/application/orchestrator"
	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/domain/ports"
	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"github.com/skryldev/speechmodelcore/pkg/progress"
	"go.uber.org/zap"
)

// TranscriptHandler receives a partial or final transcript. final is true
// exactly when the native engine reported an endpoint.
type TranscriptHandler func(text string, final bool)

// ASROnline is the streaming (online) speech-recognition module variant.
// Like KWS it drives a stream-oriented native capability set directly
// rather than through the generic streaming.Pipeline.
type ASROnline struct {
	*Base

	factory      ports.NativeEngineFactory
	cfg          ports.NativeConfig
	onTranscript TranscriptHandler
	handle       ports.NativeASROnline

	mu     sync.Mutex
	stream ports.NativeStream
}

// NewASROnline constructs an online ASR module.
func NewASROnline(ctx context.Context, metadata *model.ModelMetadata, orch *orchestrator.Orchestrator, factory ports.NativeEngineFactory, cfg ports.NativeConfig, onTranscript TranscriptHandler, reporter progress.Reporter, log *logger.Logger, opts ...Option) *ASROnline {
	a := &ASROnline{factory: factory, cfg: cfg, onTranscript: onTranscript}
	a.Base = New(ctx, metadata, orch, a, reporter, log, opts...)
	return a
}

// Initialize implements ports.SpeechModule.
func (a *ASROnline) Initialize(ctx context.Context, sampleRate int) error {
	handle, err := a.factory.OpenAsrOnline(a.cfg)
	if err != nil {
		return pkgerrors.NewNativeInitError(a.Metadata().ModelID, err)
	}
	a.handle = handle

	stream, err := handle.CreateStream()
	if err != nil {
		_ = handle.Dispose()
		return pkgerrors.NewNativeInitError(a.Metadata().ModelID, err)
	}
	a.stream = stream
	return nil
}

// OnDestroy implements ports.SpeechModule.
func (a *ASROnline) OnDestroy() error {
	a.mu.Lock()
	stream := a.stream
	a.stream = nil
	a.mu.Unlock()

	if stream != nil {
		_ = stream.Dispose()
	}
	if a.handle == nil {
		return nil
	}
	return a.handle.Dispose()
}

// StreamDetect feeds samples into the decoding stream, decoding as the
// engine signals readiness and emitting a final transcript (then
// resetting the stream) whenever the engine reports an endpoint.
func (a *ASROnline) StreamDetect(sampleRate int, samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Disposed() || a.stream == nil {
		return
	}

	if err := a.handle.AcceptWaveform(a.stream, sampleRate, samples); err != nil {
		a.Base.log.Warn("asr online accept waveform failed", zap.Error(err))
		return
	}
	for a.handle.IsReady(a.stream) {
		if err := a.handle.Decode(a.stream); err != nil {
			a.Base.log.Warn("asr online decode failed", zap.Error(err))
			return
		}
	}

	text, err := a.handle.GetResult(a.stream)
	if err != nil {
		a.Base.log.Warn("asr online get result failed", zap.Error(err))
		return
	}

	endpoint := a.handle.IsEndpoint(a.stream)
	if a.onTranscript != nil && (text != "" || endpoint) {
		a.onTranscript(text, endpoint)
	}
	if endpoint {
		if err := a.handle.Reset(a.stream); err != nil {
			a.Base.log.Warn("asr online reset failed", zap.Error(err))
		}
	}
}
