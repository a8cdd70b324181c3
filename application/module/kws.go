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

// KeywordHandler receives a spotted keyword's transcript.
type KeywordHandler func(keyword string)

// KWS is the keyword-spotting module variant. Unlike VAD it does not ride
// the generic streaming.Pipeline: its native capability set is stream-
// oriented (CreateStream/Decode/GetResult/Reset) rather than window-in,
// segment-out, so it owns a much smaller buffering loop directly.
type KWS struct {
	*Base

	factory ports.NativeEngineFactory
	cfg     ports.NativeConfig
	handle  ports.NativeKWS
	onSpot  KeywordHandler

	mu     sync.Mutex
	stream ports.NativeStream
}

// NewKWS constructs a keyword-spotting module.
func NewKWS(ctx context.Context, metadata *model.ModelMetadata, orch *orchestrator.Orchestrator, factory ports.NativeEngineFactory, cfg ports.NativeConfig, onSpot KeywordHandler, reporter progress.Reporter, log *logger.Logger, opts ...Option) *KWS {
	k := &KWS{factory: factory, cfg: cfg, onSpot: onSpot}
	k.Base = New(ctx, metadata, orch, k, reporter, log, opts...)
	return k
}

// Initialize implements ports.SpeechModule.
func (k *KWS) Initialize(ctx context.Context, sampleRate int) error {
	handle, err := k.factory.OpenKws(k.cfg)
	if err != nil {
		return pkgerrors.NewNativeInitError(k.Metadata().ModelID, err)
	}
	k.handle = handle

	stream, err := handle.CreateStream()
	if err != nil {
		_ = handle.Dispose()
		return pkgerrors.NewNativeInitError(k.Metadata().ModelID, err)
	}
	k.stream = stream
	return nil
}

// OnDestroy implements ports.SpeechModule.
func (k *KWS) OnDestroy() error {
	k.mu.Lock()
	stream := k.stream
	k.stream = nil
	k.mu.Unlock()

	if stream != nil {
		_ = stream.Dispose()
	}
	if k.handle == nil {
		return nil
	}
	return k.handle.Dispose()
}

// StreamDetect feeds samples into the keyword-spotting stream, decoding
// and resetting the stream each time a keyword is spotted.
func (k *KWS) StreamDetect(sampleRate int, samples []float32) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Disposed() || k.stream == nil {
		return
	}

	if err := k.handle.AcceptWaveform(k.stream, sampleRate, samples); err != nil {
		k.Base.log.Warn("kws accept waveform failed", zap.Error(err))
		return
	}
	for k.handle.IsReady(k.stream) {
		if err := k.handle.Decode(k.stream); err != nil {
			k.Base.log.Warn("kws decode failed", zap.Error(err))
			return
		}
		result, err := k.handle.GetResult(k.stream)
		if err != nil {
			k.Base.log.Warn("kws get result failed", zap.Error(err))
			return
		}
		if result != "" {
			if k.onSpot != nil {
				k.onSpot(result)
			}
			if err := k.handle.Reset(k.stream); err != nil {
				k.Base.log.Warn("kws reset failed", zap.Error(err))
			}
		}
	}
}
