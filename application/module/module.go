// Package module implements the Module Lifecycle (C9): a value-composed
// base every concrete speech module embeds, owning acquisition, the task
// runner, state transitions, and once-only disposal. It replaces what
// would be abstract-base-class inheritance in the source system with a
// capability interface (ports.SpeechModule) bound by composition, per
// the design notes in §9.
package module

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/skryldev/speechmodelcore/application/orchestrator"
	"github.com/skryldev/speechmodelcore/application/taskrunner"
	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/domain/ports"
	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"github.com/skryldev/speechmodelcore/pkg/progress"
	"go.uber.org/zap"
)

// Config configures a Base's construction, the functional-options pattern
// the teacher uses for its Processor.
type Config struct {
	SampleRate         int
	MobilePlatform     string // empty if not running on a mobile host
	MaxConcurrentTasks int
}

// Option mutates a Config during New.
type Option func(*Config)

// WithSampleRate overrides the sample rate passed to Initialize.
func WithSampleRate(hz int) Option { return func(c *Config) { c.SampleRate = hz } }

// WithMobilePlatform records the mobile platform string (e.g. "ios",
// "android") in Config.MobilePlatform; empty means desktop/server.
// Initialize receives only the sample rate, not this value.
func WithMobilePlatform(platform string) Option { return func(c *Config) { c.MobilePlatform = platform } }

// WithMaxConcurrentTasks bounds the module's Task Runner concurrency.
func WithMaxConcurrentTasks(n int) Option { return func(c *Config) { c.MaxConcurrentTasks = n } }

// Base is embedded by every concrete module kind (ASR online/offline,
// VAD, KWS, TTS, denoiser). It owns the state machine, the Task Runner,
// and the single disposal flag; concrete kinds provide ports.SpeechModule
// (Initialize/OnDestroy) and read Base.State()/Base.Disposed() before
// touching their own native handle.
type Base struct {
	metadata   *model.ModelMetadata
	runner     *taskrunner.Runner
	reporter   progress.Reporter
	log        *logger.Logger
	config     Config
	impl       ports.SpeechModule

	stateMu sync.RWMutex
	state   model.State

	disposeMu sync.Mutex
	disposed  bool

	onDestroyHooks []func()
}

// New constructs a Base and immediately kicks off asynchronous
// acquisition + initialize on the module's Task Runner, per §4.9. impl
// supplies the concrete module's native-engine hooks; it must not be nil.
// The returned Base reaches StateReady asynchronously — callers observe
// this through reporter or by polling State(). On acquisition failure,
// native-init failure, or cancellation it disposes itself (releasing the
// runner and native resources) and drains to StateDisposed.
func New(ctx context.Context, metadata *model.ModelMetadata, orch *orchestrator.Orchestrator, impl ports.SpeechModule, reporter progress.Reporter, log *logger.Logger, opts ...Option) *Base {
	cfg := Config{SampleRate: 16000, MaxConcurrentTasks: 4}
	for _, opt := range opts {
		opt(&cfg)
	}
	if reporter == nil {
		reporter = progress.NoopReporter{}
	}
	if log == nil {
		log, _ = logger.New(false)
	}

	b := &Base{
		metadata: metadata,
		runner:   taskrunner.New(cfg.MaxConcurrentTasks, log),
		reporter: reporter,
		log:      log,
		config:   cfg,
		impl:     impl,
		state:    model.StateConstructing,
	}

	runtime.SetFinalizer(b, func(base *Base) { base.Dispose() })

	b.setState(model.StateAcquiring)
	b.runner.RunAsync(ctx, func(taskCtx context.Context) error {
		return b.acquireAndInitialize(taskCtx, orch)
	}, nil)

	return b
}

func (b *Base) acquireAndInitialize(ctx context.Context, orch *orchestrator.Orchestrator) error {
	ok := orch.PrepareModel(ctx, b.metadata, b.reporter)
	if err := ctx.Err(); err != nil {
		b.disposeAsync()
		return err
	}
	if !ok {
		b.setState(model.StateFailed)
		b.disposeAsync()
		return pkgerrors.NewNativeInitError(b.metadata.ModelID, nil)
	}

	b.setState(model.StateLoading)
	b.reporter.Report(model.NewLoadEvent(b.metadata, "", "initializing native engine"))
	if err := b.impl.Initialize(ctx, b.config.SampleRate); err != nil {
		b.log.Error("native initialize failed", zap.String("model_id", b.metadata.ModelID), zap.Error(err))
		b.reporter.Report(model.NewFailedEvent(b.metadata, "native engine initialization failed", err))
		b.setState(model.StateFailed)
		b.disposeAsync()
		return pkgerrors.NewNativeInitError(b.metadata.ModelID, err)
	}

	b.setState(model.StateReady)
	return nil
}

// disposeAsync runs the full Dispose sequence on a fresh goroutine. The
// failure branches above execute on the module's own Task Runner, and
// Dispose drains that runner; disposing inline would block the drain on
// the very task that triggered it. Going through Dispose (rather than
// just setting the state) releases the runner, fires OnDestroy hooks, and
// calls the concrete module's OnDestroy so native handles are freed on
// the Failed path too.
func (b *Base) disposeAsync() { go b.Dispose() }

// State returns the module's current lifecycle state.
func (b *Base) State() model.State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// setState transitions the state, which §3 requires to be monotone:
// once Disposed, no further transition is accepted.
func (b *Base) setState(s model.State) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state == model.StateDisposed {
		return
	}
	b.state = s
}

// Disposed reports whether Dispose has completed (or is in progress)
// for this module. Steady-state operations on the concrete module must
// check this under their own lock before touching the native handle.
func (b *Base) Disposed() bool {
	b.disposeMu.Lock()
	defer b.disposeMu.Unlock()
	return b.disposed
}

// Runner exposes the module's Task Runner so the concrete type's
// steady-state operations (e.g. the streaming pipeline's periodic drain)
// can schedule work bound to the same lifecycle.
func (b *Base) Runner() *taskrunner.Runner { return b.runner }

// Metadata returns the model metadata this module was constructed with.
func (b *Base) Metadata() *model.ModelMetadata { return b.metadata }

// OnDestroyHook registers a callback invoked during Dispose's step 1,
// before the runner is disposed — used to unhook host-lifetime callbacks
// (e.g. an application-pause/resume subscription) per §4.9.
func (b *Base) OnDestroyHook(fn func()) {
	b.disposeMu.Lock()
	defer b.disposeMu.Unlock()
	b.onDestroyHooks = append(b.onDestroyHooks, fn)
}

// Dispose is the fundamental invariant of §4.9: a single disposed flag
// guarded by a lock, set exactly once, driving (1) host-lifetime callback
// teardown, (2) Task Runner disposal (cancelling all in-flight work), and
// (3) the concrete module's OnDestroy. Safe to call from a finalizer;
// concurrent callers converge without double-free.
func (b *Base) Dispose() {
	b.disposeMu.Lock()
	if b.disposed {
		b.disposeMu.Unlock()
		return
	}
	b.disposed = true
	hooks := b.onDestroyHooks
	b.onDestroyHooks = nil
	b.disposeMu.Unlock()

	runtime.SetFinalizer(b, nil)
	b.setState(model.StateDisposing)

	for _, hook := range hooks {
		hook()
	}

	b.runner.Dispose()

	if err := b.impl.OnDestroy(); err != nil {
		b.log.Warn("native resource release failed", zap.String("model_id", b.metadata.ModelID), zap.Error(err))
	}

	b.setState(model.StateDisposed)
}

// WaitReady blocks until the module leaves StateAcquiring/StateLoading or
// timeout elapses, returning the terminal state reached (StateReady,
// StateFailed, or StateDisposed). Intended for synchronous call sites
// (tests, CLI) layered over the inherently asynchronous construction.
func (b *Base) WaitReady(timeout time.Duration) model.State {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch s := b.State(); s {
		case model.StateReady, model.StateFailed, model.StateDisposed:
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	return b.State()
}
