package registry

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/infrastructure/paths"
)

func TestAllLoadsEmbeddedManifest(t *testing.T) {
	r := New(paths.NewResolver(t.TempDir()), nil)
	all := r.All()
	if len(all) == 0 {
		t.Fatal("expected the embedded manifest to contain at least one model")
	}

	ids := make(map[string]bool)
	for _, m := range all {
		ids[m.ModelID] = true
	}
	for _, want := range []string{"silero-vad", "gtcrn_simple"} {
		if !ids[want] {
			t.Errorf("expected manifest to contain model %q", want)
		}
	}
}

func TestGetRewritesFileNamesToAbsolutePaths(t *testing.T) {
	dataRoot := t.TempDir()
	r := New(paths.NewResolver(dataRoot), nil)

	m, ok := r.Get("silero-vad")
	if !ok {
		t.Fatal("expected silero-vad to be found")
	}
	if len(m.ModelFileNames) != 1 {
		t.Fatalf("ModelFileNames = %v, want 1 entry", m.ModelFileNames)
	}
	if !strings.HasPrefix(m.ModelFileNames[0], dataRoot) {
		t.Fatalf("ModelFileNames[0] = %s, want prefixed by data root %s", m.ModelFileNames[0], dataRoot)
	}
	if !strings.HasSuffix(m.ModelFileNames[0], filepath.Join("silero-vad", "silero_vad.onnx")) {
		t.Fatalf("ModelFileNames[0] = %s, want to end in model-id/filename", m.ModelFileNames[0])
	}
}

func TestGetMemoizesResolution(t *testing.T) {
	r := New(paths.NewResolver(t.TempDir()), nil)
	first, ok := r.Get("gtcrn_simple")
	if !ok {
		t.Fatal("expected gtcrn_simple to be found")
	}
	second, ok := r.Get("gtcrn_simple")
	if !ok {
		t.Fatal("expected gtcrn_simple to be found again")
	}
	if first.ModelFileNames[0] != second.ModelFileNames[0] {
		t.Fatalf("repeated Get produced different resolved paths: %s vs %s", first.ModelFileNames[0], second.ModelFileNames[0])
	}
}

func TestGetUnknownModelID(t *testing.T) {
	r := New(paths.NewResolver(t.TempDir()), nil)
	if _, ok := r.Get("does-not-exist"); ok {
		t.Fatal("expected Get to report false for an unknown model id")
	}
}

func TestFilterByModuleKind(t *testing.T) {
	r := New(paths.NewResolver(t.TempDir()), nil)
	asr := r.Filter(func(m *model.ModelMetadata) bool {
		return m.ModuleKind == model.ModuleKindSpeechRecognition
	})
	if len(asr) == 0 {
		t.Fatal("expected at least one speech-recognition model in the manifest")
	}
	for _, m := range asr {
		if m.ModuleKind != model.ModuleKindSpeechRecognition {
			t.Fatalf("Filter returned a non-matching model: %s", m.ModelID)
		}
	}
}

func TestDefaultSingletonAndReset(t *testing.T) {
	Reset()
	defer Reset()

	first := Default(t.TempDir())
	second := Default(t.TempDir())
	if first != second {
		t.Fatal("expected Default to return the same instance across calls")
	}

	Reset()
	third := Default(t.TempDir())
	if third == first {
		t.Fatal("expected Reset to force a new instance")
	}
}
