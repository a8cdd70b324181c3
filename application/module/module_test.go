package module

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skryldev/speechmodelcore/application/orchestrator"
	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/infrastructure/download"
	"github.com/skryldev/speechmodelcore/infrastructure/paths"
	"github.com/skryldev/speechmodelcore/infrastructure/storage"
)

// fakeImpl is a minimal ports.SpeechModule used to exercise Base's
// lifecycle without a real native engine.
type fakeImpl struct {
	initCalls    int32
	destroyCalls int32
	initErr      error
}

func (f *fakeImpl) Initialize(ctx context.Context, sampleRate int) error {
	atomic.AddInt32(&f.initCalls, 1)
	return f.initErr
}

func (f *fakeImpl) OnDestroy() error {
	atomic.AddInt32(&f.destroyCalls, 1)
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// preparedOrchestrator returns an Orchestrator plus metadata whose files
// are already staged and verified on disk, so PrepareModel succeeds
// without any network access.
func preparedOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *model.ModelMetadata) {
	t.Helper()
	dataRoot := t.TempDir()
	resolver := paths.NewResolver(dataRoot)
	metadata := &model.ModelMetadata{
		ModelID:         "silero-vad",
		ModuleKind:      model.ModuleKindVoiceActivityDetection,
		DownloadURL:     "https://example.invalid/never-fetched.onnx",
		ModelFileNames:  []string{"silero_vad.onnx"},
		ModelFileHashes: []string{""},
	}
	content := []byte("fake vad weights")
	metadata.ModelFileHashes[0] = sha256Hex(content)

	filePath, err := resolver.FilePath(metadata, "silero_vad.onnx")
	if err != nil {
		t.Fatalf("FilePath: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filePath, content, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	downloader := download.New(download.Config{}, nil)
	orch := orchestrator.New(resolver, downloader, storage.NewLocalStorage(), 1, nil)
	return orch, metadata
}

func TestBaseReachesReadyWhenAcquisitionAndInitSucceed(t *testing.T) {
	orch, metadata := preparedOrchestrator(t)
	impl := &fakeImpl{}

	b := New(context.Background(), metadata, orch, impl, nil, nil)
	defer b.Dispose()

	state := b.WaitReady(time.Second)
	if state != model.StateReady {
		t.Fatalf("final state = %v, want StateReady", state)
	}
	if atomic.LoadInt32(&impl.initCalls) != 1 {
		t.Fatalf("Initialize calls = %d, want 1", impl.initCalls)
	}
}

// waitDisposed blocks until b drains to StateDisposed or timeout elapses.
// Failure paths dispose asynchronously, so tests poll rather than assume
// the first terminal state observed is the last.
func waitDisposed(t *testing.T, b *Base, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.State() == model.StateDisposed {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("module did not reach StateDisposed within %v (state = %v)", timeout, b.State())
}

func TestBaseDisposesItselfWhenInitializeErrors(t *testing.T) {
	orch, metadata := preparedOrchestrator(t)
	impl := &fakeImpl{initErr: context.DeadlineExceeded}

	b := New(context.Background(), metadata, orch, impl, nil, nil)

	state := b.WaitReady(time.Second)
	if state != model.StateFailed && state != model.StateDisposed {
		t.Fatalf("state after init failure = %v, want StateFailed or StateDisposed", state)
	}

	waitDisposed(t, b, 2*time.Second)
	if !b.Disposed() {
		t.Fatal("expected Disposed() to report true after a failed initialize")
	}
	if atomic.LoadInt32(&impl.destroyCalls) != 1 {
		t.Fatalf("OnDestroy calls = %d, want 1 (failed initialize must release native resources)", impl.destroyCalls)
	}
}

func TestBaseDisposesItselfWhenAcquisitionFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	dataRoot := t.TempDir()
	resolver := paths.NewResolver(dataRoot)
	metadata := &model.ModelMetadata{
		ModelID:        "missing-model",
		ModuleKind:     model.ModuleKindVoiceActivityDetection,
		DownloadURL:    server.URL + "/missing.onnx",
		ModelFileNames: []string{"missing.onnx"},
	}
	downloader := download.New(download.Config{MaxRetryAttempts: 1, RetryDelay: 5 * time.Millisecond}, nil)
	orch := orchestrator.New(resolver, downloader, storage.NewLocalStorage(), 1, nil)
	impl := &fakeImpl{}

	b := New(context.Background(), metadata, orch, impl, nil, nil)

	waitDisposed(t, b, 5*time.Second)
	if atomic.LoadInt32(&impl.initCalls) != 0 {
		t.Fatalf("Initialize calls = %d, want 0 when acquisition fails", impl.initCalls)
	}
	if atomic.LoadInt32(&impl.destroyCalls) != 1 {
		t.Fatalf("OnDestroy calls = %d, want 1 (failed acquisition must release resources)", impl.destroyCalls)
	}
}

func TestDisposeIsIdempotentAndCallsOnDestroyOnce(t *testing.T) {
	orch, metadata := preparedOrchestrator(t)
	impl := &fakeImpl{}

	b := New(context.Background(), metadata, orch, impl, nil, nil)
	b.WaitReady(time.Second)

	b.Dispose()
	b.Dispose()

	if atomic.LoadInt32(&impl.destroyCalls) != 1 {
		t.Fatalf("OnDestroy calls = %d, want exactly 1", impl.destroyCalls)
	}
	if !b.Disposed() {
		t.Fatal("expected Disposed() to report true after Dispose")
	}
	if b.State() != model.StateDisposed {
		t.Fatalf("state = %v, want StateDisposed", b.State())
	}
}

func TestOnDestroyHookRunsBeforeRunnerDisposal(t *testing.T) {
	orch, metadata := preparedOrchestrator(t)
	impl := &fakeImpl{}

	b := New(context.Background(), metadata, orch, impl, nil, nil)
	b.WaitReady(time.Second)

	// A loop on the module's runner exposes a context that Runner.Dispose
	// cancels, so the hook can observe whether the runner is still live.
	loopCtx := make(chan context.Context, 1)
	b.Runner().LoopAsync(context.Background(), func(ctx context.Context) error {
		select {
		case loopCtx <- ctx:
		default:
		}
		return nil
	}, time.Millisecond, nil)
	runnerCtx := <-loopCtx

	hookRan := false
	runnerCancelledAtHook := false
	b.OnDestroyHook(func() {
		hookRan = true
		runnerCancelledAtHook = runnerCtx.Err() != nil
	})
	b.Dispose()

	if !hookRan {
		t.Fatal("expected OnDestroyHook callback to run during Dispose")
	}
	if runnerCancelledAtHook {
		t.Fatal("runner work was already cancelled when the OnDestroyHook callback ran")
	}
}

func TestStateIsMonotoneAfterDisposed(t *testing.T) {
	orch, metadata := preparedOrchestrator(t)
	impl := &fakeImpl{}

	b := New(context.Background(), metadata, orch, impl, nil, nil)
	b.WaitReady(time.Second)
	b.Dispose()

	b.setState(model.StateReady) // must be refused: Disposed is terminal
	if b.State() != model.StateDisposed {
		t.Fatalf("state = %v, want StateDisposed to remain terminal", b.State())
	}
}
