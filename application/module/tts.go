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

// TTS is the speech-synthesis module variant.
type TTS struct {
	*Base

	factory ports.NativeEngineFactory
	cfg     ports.NativeConfig
	handle  ports.NativeTTS
}

// NewTTS constructs a speech-synthesis module.
func NewTTS(ctx context.Context, metadata *model.ModelMetadata, orch *orchestrator.Orchestrator, factory ports.NativeEngineFactory, cfg ports.NativeConfig, reporter progress.Reporter, log *logger.Logger, opts ...Option) *TTS {
	t := &TTS{factory: factory, cfg: cfg}
	t.Base = New(ctx, metadata, orch, t, reporter, log, opts...)
	return t
}

// Initialize implements ports.SpeechModule.
func (t *TTS) Initialize(ctx context.Context, sampleRate int) error {
	handle, err := t.factory.OpenTts(t.cfg)
	if err != nil {
		return pkgerrors.NewNativeInitError(t.Metadata().ModelID, err)
	}
	t.handle = handle
	return nil
}

// OnDestroy implements ports.SpeechModule.
func (t *TTS) OnDestroy() error {
	if t.handle == nil {
		return nil
	}
	return t.handle.Dispose()
}

// Generate synthesizes text at the given speed and voice ID. onProgress,
// if non-nil, receives intermediate chunks as the engine produces them.
func (t *TTS) Generate(ctx context.Context, text string, speed float64, voiceID int, onProgress func(ports.TTSResult)) (ports.TTSResult, error) {
	if t.Disposed() {
		return ports.TTSResult{}, pkgerrors.NewDisposedError("Generate")
	}
	if t.State() != model.StateReady {
		return ports.TTSResult{}, pkgerrors.NewNativeInitError(t.Metadata().ModelID, nil)
	}
	return t.handle.Generate(ctx, text, speed, voiceID, onProgress)
}
