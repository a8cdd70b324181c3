// Package model holds the data types shared across acquisition, streaming,
// and lifecycle: model metadata, the manifest format, download chunk
// bookkeeping, and module state.
package model

import (
	"time"

	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
)

// ModuleKind identifies the category of speech task a model serves. It
// determines both the on-disk directory layout (via its kebab-case form)
// and which native capability set a module binds.
type ModuleKind string

const (
	ModuleKindSpeechRecognition           ModuleKind = "speech-recognition"
	ModuleKindSpeechSynthesis             ModuleKind = "speech-synthesis"
	ModuleKindVoiceActivityDetection      ModuleKind = "voice-activity-detection"
	ModuleKindKeywordSpotting             ModuleKind = "keyword-spotting"
	ModuleKindSpeechEnhancement           ModuleKind = "speech-enhancement"
	ModuleKindSpeakerIdentification       ModuleKind = "speaker-identification"
	ModuleKindSpeakerDiarization          ModuleKind = "speaker-diarization"
	ModuleKindSpeakerVerification         ModuleKind = "speaker-verification"
	ModuleKindAudioTagging                ModuleKind = "audio-tagging"
	ModuleKindAddPunctuation              ModuleKind = "add-punctuation"
	ModuleKindSourceSeparation            ModuleKind = "source-separation"
	ModuleKindSpokenLanguageIdentification ModuleKind = "spoken-language-identification"
)

// ModelMetadata describes how to fetch and verify one model.
type ModelMetadata struct {
	ModelID          string     `json:"modelId"`
	ModuleKind       ModuleKind `json:"moduleType"`
	DownloadURL      string     `json:"downloadUrl"`
	DownloadFileHash string     `json:"downloadFileHash,omitempty"`
	ModelFileNames   []string   `json:"modelFileNames"`
	ModelFileHashes  []string   `json:"modelFileHashes,omitempty"`
}

// Validate checks the structural invariant that the hash list, when
// present, is index-aligned with the file-name list.
func (m *ModelMetadata) Validate() error {
	if m.ModelID == "" {
		return pkgerrors.NewPreconditionError("modelId", "modelId must not be empty")
	}
	if len(m.ModelFileNames) == 0 {
		return pkgerrors.NewPreconditionError("modelFileNames", "model must list at least one file")
	}
	if len(m.ModelFileHashes) != 0 && len(m.ModelFileHashes) != len(m.ModelFileNames) {
		return pkgerrors.NewPreconditionError("modelFileHashes", "hash list must be empty or match modelFileNames length")
	}
	return nil
}

// HashFor returns the expected hash for the file at index i in
// ModelFileNames, or "" if hashes were not supplied for this model.
func (m *ModelMetadata) HashFor(i int) string {
	if i < 0 || i >= len(m.ModelFileHashes) {
		return ""
	}
	return m.ModelFileHashes[i]
}

// Manifest is an ordered collection of model metadata, keyed by ModelID.
type Manifest struct {
	Models []*ModelMetadata `json:"models"`
}

// ChunkInfo tracks one contiguous byte range of an in-progress download.
type ChunkInfo struct {
	Index           int    `json:"index"`
	StartByte       int64  `json:"start"`
	EndByte         int64  `json:"end"`
	DownloadedBytes int64  `json:"downloaded"`
	Completed       bool   `json:"isCompleted"`
	LastError       string `json:"errorMessage,omitempty"`
	RetryCount      int    `json:"retryCount"`
}

// Remaining reports how many bytes of this chunk are still unfetched.
func (c *ChunkInfo) Remaining() int64 {
	return (c.EndByte - c.StartByte + 1) - c.DownloadedBytes
}

// ChunkMetadata is the persisted plan for a resumable download, stored
// alongside the staging file as "<staging>.download.metadata".
type ChunkMetadata struct {
	URL              string       `json:"url"`
	FileName         string       `json:"fileName"`
	TotalSize        int64        `json:"totalSize"`
	ChunkSize        int64        `json:"chunkSize"`
	CreatedTime      time.Time    `json:"createdTime"`
	LastModifiedTime time.Time    `json:"lastModifiedTime"`
	Chunks           []*ChunkInfo `json:"chunks"`
}

// Downloaded sums bytes fetched across all chunks.
func (c *ChunkMetadata) Downloaded() int64 {
	var sum int64
	for _, ch := range c.Chunks {
		sum += ch.DownloadedBytes
	}
	return sum
}

// AllCompleted reports whether every chunk has finished.
func (c *ChunkMetadata) AllCompleted() bool {
	for _, ch := range c.Chunks {
		if !ch.Completed {
			return false
		}
	}
	return true
}

// State is a module's lifecycle stage, per the monotone state machine:
// Constructing -> Acquiring -> Loading -> Ready -> Disposing -> Disposed,
// with Failed reachable from Acquiring/Loading and still draining to
// Disposed.
type State int

const (
	StateConstructing State = iota
	StateAcquiring
	StateLoading
	StateReady
	StateFailed
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateAcquiring:
		return "acquiring"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}
