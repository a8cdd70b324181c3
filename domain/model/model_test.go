package model

import (
	"encoding/json"
	"testing"
	"time"

	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		metadata ModelMetadata
		wantErr  bool
	}{
		{
			name: "valid with hashes",
			metadata: ModelMetadata{
				ModelID:         "m",
				ModelFileNames:  []string{"a.onnx", "b.txt"},
				ModelFileHashes: []string{"aa", "bb"},
			},
		},
		{
			name: "valid without hashes",
			metadata: ModelMetadata{
				ModelID:        "m",
				ModelFileNames: []string{"a.onnx"},
			},
		},
		{
			name:     "empty model id",
			metadata: ModelMetadata{ModelFileNames: []string{"a.onnx"}},
			wantErr:  true,
		},
		{
			name:     "no files",
			metadata: ModelMetadata{ModelID: "m"},
			wantErr:  true,
		},
		{
			name: "hash list length mismatch",
			metadata: ModelMetadata{
				ModelID:         "m",
				ModelFileNames:  []string{"a.onnx", "b.txt"},
				ModelFileHashes: []string{"aa"},
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.metadata.Validate()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if code, ok := pkgerrors.Code(err); !ok || code != pkgerrors.ErrCodePrecondition {
					t.Fatalf("error code = %v (ok=%v), want ErrCodePrecondition", code, ok)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestHashForOutOfRangeIsEmpty(t *testing.T) {
	m := ModelMetadata{
		ModelID:         "m",
		ModelFileNames:  []string{"a.onnx", "b.txt"},
		ModelFileHashes: []string{"aa"},
	}
	if got := m.HashFor(0); got != "aa" {
		t.Fatalf("HashFor(0) = %q, want aa", got)
	}
	if got := m.HashFor(1); got != "" {
		t.Fatalf("HashFor(1) = %q, want empty", got)
	}
	if got := m.HashFor(-1); got != "" {
		t.Fatalf("HashFor(-1) = %q, want empty", got)
	}
}

func TestManifestRoundTripPreservesOrder(t *testing.T) {
	manifest := Manifest{Models: []*ModelMetadata{
		{ModelID: "c-last-alphabetically-first-listed", ModuleKind: ModuleKindSpeechRecognition, ModelFileNames: []string{"a"}},
		{ModelID: "a-model", ModuleKind: ModuleKindVoiceActivityDetection, ModelFileNames: []string{"b"}},
		{ModelID: "b-model", ModuleKind: ModuleKindSpeechSynthesis, ModelFileNames: []string{"c"}},
	}}

	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Manifest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(decoded.Models) != len(manifest.Models) {
		t.Fatalf("model count = %d, want %d", len(decoded.Models), len(manifest.Models))
	}
	for i, m := range manifest.Models {
		if decoded.Models[i].ModelID != m.ModelID {
			t.Fatalf("Models[%d].ModelID = %s, want %s (order must survive)", i, decoded.Models[i].ModelID, m.ModelID)
		}
		if decoded.Models[i].ModuleKind != m.ModuleKind {
			t.Fatalf("Models[%d].ModuleKind = %s, want %s", i, decoded.Models[i].ModuleKind, m.ModuleKind)
		}
	}
}

func TestChunkMetadataSidecarRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	meta := ChunkMetadata{
		URL:              "https://example.invalid/model.tar.bz2",
		FileName:         "model.tar.bz2.download",
		TotalSize:        30 << 20,
		ChunkSize:        10 << 20,
		CreatedTime:      now,
		LastModifiedTime: now,
		Chunks: []*ChunkInfo{
			{Index: 0, StartByte: 0, EndByte: 10<<20 - 1, DownloadedBytes: 10 << 20, Completed: true},
			{Index: 1, StartByte: 10 << 20, EndByte: 20<<20 - 1, DownloadedBytes: 4 << 20, LastError: "unexpected EOF", RetryCount: 2},
			{Index: 2, StartByte: 20 << 20, EndByte: 30<<20 - 1},
		},
	}

	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ChunkMetadata
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded.URL != meta.URL || decoded.TotalSize != meta.TotalSize || decoded.ChunkSize != meta.ChunkSize {
		t.Fatalf("header fields did not survive the round trip: %+v", decoded)
	}
	if len(decoded.Chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(decoded.Chunks))
	}
	for i, c := range meta.Chunks {
		d := decoded.Chunks[i]
		if *d != *c {
			t.Fatalf("Chunks[%d] = %+v, want %+v", i, *d, *c)
		}
	}
}

func TestChunkAccounting(t *testing.T) {
	c := ChunkInfo{StartByte: 100, EndByte: 199, DownloadedBytes: 40}
	if got := c.Remaining(); got != 60 {
		t.Fatalf("Remaining = %d, want 60", got)
	}

	meta := ChunkMetadata{Chunks: []*ChunkInfo{
		{DownloadedBytes: 10, Completed: true},
		{DownloadedBytes: 5},
	}}
	if got := meta.Downloaded(); got != 15 {
		t.Fatalf("Downloaded = %d, want 15", got)
	}
	if meta.AllCompleted() {
		t.Fatal("AllCompleted = true with an incomplete chunk")
	}
	meta.Chunks[1].Completed = true
	if !meta.AllCompleted() {
		t.Fatal("AllCompleted = false with every chunk complete")
	}
}
