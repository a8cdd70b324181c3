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

// Denoiser is the speech-enhancement module variant.
type Denoiser struct {
	*Base

	factory ports.NativeEngineFactory
	cfg     ports.NativeConfig
	handle  ports.NativeDenoiser
}

// NewDenoiser constructs a speech-enhancement module.
func NewDenoiser(ctx context.Context, metadata *model.ModelMetadata, orch *orchestrator.Orchestrator, factory ports.NativeEngineFactory, cfg ports.NativeConfig, reporter progress.Reporter, log *logger.Logger, opts ...Option) *Denoiser {
	d := &Denoiser{factory: factory, cfg: cfg}
	d.Base = New(ctx, metadata, orch, d, reporter, log, opts...)
	return d
}

// Initialize implements ports.SpeechModule.
func (d *Denoiser) Initialize(ctx context.Context, sampleRate int) error {
	handle, err := d.factory.OpenDenoiser(d.cfg)
	if err != nil {
		return pkgerrors.NewNativeInitError(d.Metadata().ModelID, err)
	}
	d.handle = handle
	return nil
}

// OnDestroy implements ports.SpeechModule.
func (d *Denoiser) OnDestroy() error {
	if d.handle == nil {
		return nil
	}
	return d.handle.Dispose()
}

// Run enhances samples in place, returning the enhanced waveform.
func (d *Denoiser) Run(samples []float32, sampleRate int) ([]float32, error) {
	if d.Disposed() {
		return nil, pkgerrors.NewDisposedError("Run")
	}
	if d.State() != model.StateReady {
		return nil, pkgerrors.NewNativeInitError(d.Metadata().ModelID, nil)
	}
	return d.handle.Run(samples, sampleRate)
}
