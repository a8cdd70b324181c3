package module

import (
	"context"

	"github.com/skryldev/speechmodelcore/application/orchestrator"
	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/domain/ports"
	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"github.com/skryldev/speechmodelcore/pkg/progress"
)

// ASROffline is the whole-utterance speech-recognition module variant: no
// streaming pipeline, just a native handle decoded synchronously per call.
type ASROffline struct {
	*Base

	factory ports.NativeEngineFactory
	cfg     ports.NativeConfig
	handle  ports.NativeASROffline
}

// NewASROffline constructs an offline ASR module.
func NewASROffline(ctx context.Context, metadata *model.ModelMetadata, orch *orchestrator.Orchestrator, factory ports.NativeEngineFactory, cfg ports.NativeConfig, reporter progress.Reporter, log *logger.Logger, opts ...Option) *ASROffline {
	a := &ASROffline{factory: factory, cfg: cfg}
	a.Base = New(ctx, metadata, orch, a, reporter, log, opts...)
	return a
}

// Initialize implements ports.SpeechModule.
func (a *ASROffline) Initialize(ctx context.Context, sampleRate int) error {
	handle, err := a.factory.OpenAsrOffline(a.cfg)
	if err != nil {
		return pkgerrors.NewNativeInitError(a.Metadata().ModelID, err)
	}
	a.handle = handle
	return nil
}

// OnDestroy implements ports.SpeechModule.
func (a *ASROffline) OnDestroy() error {
	if a.handle == nil {
		return nil
	}
	return a.handle.Dispose()
}

// Decode transcribes one whole utterance. Returns an error if the module
// is not yet StateReady or has been disposed.
func (a *ASROffline) Decode(samples []float32, sampleRate int) (string, error) {
	if a.Disposed() {
		return "", pkgerrors.NewDisposedError("Decode")
	}
	if a.State() != model.StateReady {
		return "", pkgerrors.NewNativeInitError(a.Metadata().ModelID, nil)
	}
	return a.handle.Decode(samples, sampleRate)
}
