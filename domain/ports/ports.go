// Package ports declares the capability interfaces the core depends on
// but never implements: the native speech engine (recognizer, VAD
// detector, synthesizer, denoiser) and the storage abstraction used by
// the acquisition pipeline. Concrete bindings are an integration detail
// outside this repository's scope; the repository provides no
// implementation of the native interfaces, not even a test mock.
package ports

import "context"

// Disposer is embedded by every native handle interface for the
// universal dispose(handle) operation.
type Disposer interface {
	Dispose() error
}

// NativeConfig is the opaque configuration blob passed to the engine
// constructors below; its shape is engine-specific and not modeled here.
type NativeConfig map[string]interface{}

// NativeStream is an opaque per-utterance decoding stream created from a
// NativeASROnline or NativeKWS handle.
type NativeStream interface {
	Disposer
}

// NativeASROnline is the capability set for streaming (online) ASR.
type NativeASROnline interface {
	Disposer
	CreateStream() (NativeStream, error)
	AcceptWaveform(stream NativeStream, sampleRate int, samples []float32) error
	IsReady(stream NativeStream) bool
	Decode(stream NativeStream) error
	GetResult(stream NativeStream) (string, error)
	IsEndpoint(stream NativeStream) bool
	Reset(stream NativeStream) error
}

// NativeASROffline is the capability set for whole-utterance ASR.
type NativeASROffline interface {
	Disposer
	Decode(samples []float32, sampleRate int) (string, error)
}

// NativeVAD is the capability set for voice activity detection.
type NativeVAD interface {
	Disposer
	AcceptWaveform(samples []float32) error
	IsSpeechDetected() bool
	IsEmpty() bool
	Front() []float32
	Pop() error
	Flush() error
}

// NativeKWS is the capability set for keyword spotting, which shares the
// stream-oriented shape of online ASR.
type NativeKWS interface {
	Disposer
	CreateStream() (NativeStream, error)
	AcceptWaveform(stream NativeStream, sampleRate int, samples []float32) error
	IsReady(stream NativeStream) bool
	Decode(stream NativeStream) error
	GetResult(stream NativeStream) (string, error)
	Reset(stream NativeStream) error
}

// TTSResult is the waveform produced by a NativeTTS.Generate call.
type TTSResult struct {
	Samples    []float32
	SampleRate int
	NumSamples int
}

// NativeTTS is the capability set for speech synthesis.
type NativeTTS interface {
	Disposer
	Generate(ctx context.Context, text string, speed float64, voiceID int, onProgress func(TTSResult)) (TTSResult, error)
}

// NativeDenoiser is the capability set for speech enhancement.
type NativeDenoiser interface {
	Disposer
	Run(samples []float32, sampleRate int) ([]float32, error)
}

// NativeEngineFactory opens handles to the native capability sets from a
// config. A binding supplies a concrete implementation; the core only
// ever holds these interfaces.
type NativeEngineFactory interface {
	OpenAsrOnline(cfg NativeConfig) (NativeASROnline, error)
	OpenAsrOffline(cfg NativeConfig) (NativeASROffline, error)
	OpenVad(cfg NativeConfig, bufferSeconds float64) (NativeVAD, error)
	OpenKws(cfg NativeConfig) (NativeKWS, error)
	OpenTts(cfg NativeConfig) (NativeTTS, error)
	OpenDenoiser(cfg NativeConfig) (NativeDenoiser, error)
}

// StorageProvider abstracts the filesystem operations the orchestrator
// and downloader need: existence/size checks, best-effort removal, and
// scratch-file allocation.
type StorageProvider interface {
	Exists(ctx context.Context, path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
	Remove(ctx context.Context, path string) error
	RemoveAll(ctx context.Context, path string) error
	TempFile(ctx context.Context, dir, pattern string) (string, error)
	// ProbeFreeSpace checks for enough room in dir by writing and removing
	// a small probe file, per the orchestrator's disk-space precondition.
	ProbeFreeSpace(ctx context.Context, dir string) error
}

// SpeechModule is the capability interface every concrete module variant
// (ASR online/offline, VAD, KWS, TTS, denoiser) implements on top of the
// shared lifecycle object in application/module. It replaces what would
// be base-class inheritance in a language with subclassing.
type SpeechModule interface {
	// Initialize builds the native engine from metadata once acquisition
	// has placed verified files on disk.
	Initialize(ctx context.Context, sampleRate int) error
	// OnDestroy releases native resources; called exactly once by the
	// owning lifecycle object during disposal.
	OnDestroy() error
}
