// Command modelctl is a thin demonstration CLI over the acquisition core:
// list the embedded manifest, download and verify a model, or prune its
// on-disk files. It drives the same Orchestrator/Registry the module
// lifecycle uses internally, grounded on jxwalker-modfetch's flag-based
// subcommand dispatch and signal.NotifyContext shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/skryldev/speechmodelcore/application/orchestrator"
	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/infrastructure/download"
	"github.com/skryldev/speechmodelcore/infrastructure/paths"
	"github.com/skryldev/speechmodelcore/infrastructure/registry"
	"github.com/skryldev/speechmodelcore/infrastructure/storage"
	"github.com/skryldev/speechmodelcore/infrastructure/verify"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"github.com/skryldev/speechmodelcore/pkg/progress"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("no command provided")
	}

	switch args[0] {
	case "status":
		return handleStatus(args[1:])
	case "download":
		return handleDownload(ctx, args[1:])
	case "verify":
		return handleVerify(ctx, args[1:])
	case "clean":
		return handleClean(ctx, args[1:])
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage() {
	fmt.Println(strings.TrimSpace(`modelctl - speech model acquisition CLI

Usage:
  modelctl <command> [flags]

Commands:
  status              List every model in the embedded manifest
  download --model ID  Acquire (verify/download/extract) one model
  verify --model ID    Re-verify a model's on-disk files without downloading
  clean --model ID     Remove a model's directory and any staged archive
  help                 Show this help

Flags (per command):
  --data-root PATH     Root directory for model storage (default "./data")
  --model ID            Model ID from the manifest (required for download/verify/clean)
  --max-attempts N       Acquisition retry attempts (download only, default 3)
`))
}

func newEnv(dataRoot string) (*registry.Registry, *paths.Resolver, *orchestrator.Orchestrator, *logger.Logger) {
	log, _ := logger.New(false)
	resolver := paths.NewResolver(dataRoot)
	reg := registry.New(resolver, log)
	store := storage.NewLocalStorage()
	downloader := download.New(download.Config{}, log)
	orch := orchestrator.New(resolver, downloader, store, 0, log)
	return reg, resolver, orch, log
}

func handleStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	dataRoot := fs.String("data-root", "./data", "storage root")
	if err := fs.Parse(args); err != nil {
		return err
	}
	reg, _, _, _ := newEnv(*dataRoot)

	for _, m := range reg.All() {
		fmt.Printf("%-30s %-28s files=%d\n", m.ModelID, m.ModuleKind, len(m.ModelFileNames))
	}
	return nil
}

func handleDownload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	dataRoot := fs.String("data-root", "./data", "storage root")
	modelID := fs.String("model", "", "model id from the manifest")
	maxAttempts := fs.Int("max-attempts", 0, "acquisition retry attempts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelID == "" {
		return errors.New("--model is required")
	}

	log, _ := logger.New(false)
	resolver := paths.NewResolver(*dataRoot)
	reg := registry.New(resolver, log)
	metadata, ok := reg.Get(*modelID)
	if !ok {
		return fmt.Errorf("unknown model id: %s", *modelID)
	}

	store := storage.NewLocalStorage()
	downloader := download.New(download.Config{}, log)
	orch := orchestrator.New(resolver, downloader, store, *maxAttempts, log)

	reporter := progress.CallbackReporter(func(event model.Event) {
		printEvent(event)
	})

	ok = orch.PrepareModel(ctx, metadata, reporter)
	if !ok {
		return fmt.Errorf("failed to prepare model %s", *modelID)
	}
	fmt.Println("model ready:", *modelID)
	return nil
}

func handleVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	dataRoot := fs.String("data-root", "./data", "storage root")
	modelID := fs.String("model", "", "model id from the manifest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelID == "" {
		return errors.New("--model is required")
	}

	reg, _, _, _ := newEnv(*dataRoot)
	metadata, ok := reg.Get(*modelID)
	if !ok {
		return fmt.Errorf("unknown model id: %s", *modelID)
	}

	// Get has already rewritten ModelFileNames to absolute paths.
	for i, filePath := range metadata.ModelFileNames {
		outcome, _, err := verify.VerifyFile(ctx, filePath, metadata.HashFor(i), nil)
		fmt.Println("verify:", outcome, filePath)
		if err != nil || (outcome != verify.OutcomeSuccess && outcome != verify.OutcomeCacheHit) {
			return fmt.Errorf("model %s is not present or failed verification", *modelID)
		}
	}
	fmt.Println("model verified:", *modelID)
	return nil
}

func handleClean(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	dataRoot := fs.String("data-root", "./data", "storage root")
	modelID := fs.String("model", "", "model id from the manifest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelID == "" {
		return errors.New("--model is required")
	}

	reg, resolver, _, _ := newEnv(*dataRoot)
	metadata, ok := reg.Get(*modelID)
	if !ok {
		return fmt.Errorf("unknown model id: %s", *modelID)
	}

	modelDir, err := resolver.ModelRoot(metadata)
	if err != nil {
		return err
	}
	store := storage.NewLocalStorage()
	if err := store.RemoveAll(ctx, modelDir); err != nil {
		return err
	}
	fmt.Println("removed:", modelDir)

	url := metadata.DownloadURL
	stagingPath, err := resolver.StagingPath(metadata, url[strings.LastIndex(url, "/")+1:])
	if err != nil {
		return err
	}
	if err := store.Remove(ctx, stagingPath); err != nil {
		return err
	}
	fmt.Println("removed:", stagingPath)
	return nil
}

type eventPrinter struct{}

func (eventPrinter) Handle(e model.Event) {
	switch e.Kind {
	case model.EventPrepare:
		fmt.Println("prepare:", e.Message)
	case model.EventDownload:
		fmt.Printf("download: %s/%s (%.1f%%)\n", humanize.Bytes(uint64(e.DownloadedBytes)), humanize.Bytes(uint64(e.TotalBytes)), e.Progress*100)
	case model.EventExtract:
		fmt.Printf("extract: %s (%.1f%%)\n", e.Message, e.Progress*100)
	case model.EventVerify:
		fmt.Println("verify:", e.Message, e.FilePath)
	case model.EventLoad:
		fmt.Println("load:", e.Message)
	case model.EventSuccess:
		fmt.Println("success:", e.Message)
	case model.EventFailed:
		fmt.Println("failed:", e.Message)
	case model.EventCancel:
		fmt.Println("cancelled:", e.Message)
	case model.EventClean:
		fmt.Println("clean:", e.Message, e.FilePath)
	}
}

func printEvent(event model.Event) {
	event.Dispatch(eventPrinter{})
}
