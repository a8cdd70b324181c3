// Package orchestrator implements the Acquisition Orchestrator (C7): the
// verify -> download -> extract retry loop of §4.7, generalized from the
// teacher's application/pipeline stage sequencing from an ffmpeg
// transcode pipeline into a model-acquisition pipeline.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/domain/ports"
	"github.com/skryldev/speechmodelcore/infrastructure/archive"
	"github.com/skryldev/speechmodelcore/infrastructure/download"
	"github.com/skryldev/speechmodelcore/infrastructure/paths"
	"github.com/skryldev/speechmodelcore/infrastructure/verify"
	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"github.com/skryldev/speechmodelcore/pkg/progress"
)

const (
	defaultMaxAttempts  = 3
	backoffInitialDelay = 1 * time.Second
	backoffMultiplier   = 2.0
	backoffMaxDelay     = 16 * time.Second
)

// Orchestrator drives PrepareModel for a single resolver/downloader/
// storage triple; it holds no per-model state, so one instance serves
// every concurrent acquisition in the process.
type Orchestrator struct {
	resolver    *paths.Resolver
	downloader  *download.Downloader
	storage     ports.StorageProvider
	log         *logger.Logger
	maxAttempts int
}

// New creates an Orchestrator. log may be nil, resolving to a production
// default. maxAttempts <= 0 defaults to 3 per §4.7.
func New(resolver *paths.Resolver, downloader *download.Downloader, storage ports.StorageProvider, maxAttempts int, log *logger.Logger) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log, _ = logger.New(false)
	}
	return &Orchestrator{resolver: resolver, downloader: downloader, storage: storage, maxAttempts: maxAttempts, log: log}
}

// PrepareModel runs the verify -> download -> extract loop of §4.7 for
// metadata, reporting every transition through reporter, and returns true
// only when every file in metadata.ModelFileNames is present and verified
// on disk.
func (o *Orchestrator) PrepareModel(ctx context.Context, metadata *model.ModelMetadata, reporter progress.Reporter) bool {
	if reporter == nil {
		reporter = progress.NoopReporter{}
	}
	reporter.Report(model.NewPrepareEvent(metadata, "starting acquisition"))

	if err := metadata.Validate(); err != nil {
		reporter.Report(model.NewFailedEvent(metadata, "invalid model metadata", err))
		return false
	}

	modelDir, err := o.resolver.ModelRoot(metadata)
	if err != nil {
		reporter.Report(model.NewFailedEvent(metadata, "could not resolve model directory", err))
		return false
	}
	if err := o.storage.ProbeFreeSpace(ctx, modelDir); err != nil {
		reporter.Report(model.NewFailedEvent(metadata, "insufficient disk space", err))
		return false
	}

	stagingFile, isArchive, err := o.stagingPath(metadata)
	if err != nil {
		reporter.Report(model.NewFailedEvent(metadata, "could not resolve staging path", err))
		return false
	}

	var lastErr error
	delay := backoffInitialDelay
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			reporter.Report(model.NewCancelEvent(metadata, err))
			o.cleanup(ctx, metadata, modelDir, stagingFile, reporter)
			return false
		}

		if o.verifyExistingModel(ctx, metadata, reporter) {
			reporter.Report(model.NewSuccessEvent(metadata, "model already present and verified"))
			return true
		}

		if err := o.downloadArchive(ctx, metadata, stagingFile, reporter); err != nil {
			if ctx.Err() != nil {
				reporter.Report(model.NewCancelEvent(metadata, ctx.Err()))
				o.cleanup(ctx, metadata, modelDir, stagingFile, reporter)
				return false
			}
			lastErr = err
			if !o.backoff(ctx, &delay, attempt) {
				break
			}
			continue
		}

		if isArchive {
			if err := o.extractArchive(ctx, metadata, stagingFile, modelDir, reporter); err != nil {
				if ctx.Err() != nil {
					reporter.Report(model.NewCancelEvent(metadata, ctx.Err()))
					o.cleanup(ctx, metadata, modelDir, stagingFile, reporter)
					return false
				}
				lastErr = err
				if !o.backoff(ctx, &delay, attempt) {
					break
				}
				continue
			}
			if !o.verifyExistingModel(ctx, metadata, reporter) {
				if ctx.Err() != nil {
					reporter.Report(model.NewCancelEvent(metadata, ctx.Err()))
					o.cleanup(ctx, metadata, modelDir, stagingFile, reporter)
					return false
				}
				lastErr = pkgerrors.NewHashMismatchError(modelDir, "", "")
				if !o.backoff(ctx, &delay, attempt) {
					break
				}
				continue
			}
			reporter.Report(model.NewSuccessEvent(metadata, "model downloaded, extracted, and verified"))
			return true
		}

		if !o.verifyExistingModel(ctx, metadata, reporter) {
			if ctx.Err() != nil {
				reporter.Report(model.NewCancelEvent(metadata, ctx.Err()))
				o.cleanup(ctx, metadata, modelDir, stagingFile, reporter)
				return false
			}
			lastErr = pkgerrors.NewHashMismatchError(modelDir, "", "")
			if !o.backoff(ctx, &delay, attempt) {
				break
			}
			continue
		}
		reporter.Report(model.NewSuccessEvent(metadata, "model downloaded and verified"))
		return true
	}

	o.cleanup(ctx, metadata, modelDir, stagingFile, reporter)
	if lastErr == nil {
		lastErr = pkgerrors.NewExtractionError(stagingFile, nil)
	}
	reporter.Report(model.NewFailedEvent(metadata, "exhausted acquisition attempts", lastErr))
	return false
}

func (o *Orchestrator) stagingPath(metadata *model.ModelMetadata) (string, bool, error) {
	fileName := fileNameFromURL(metadata.DownloadURL)
	stagingFile, err := o.resolver.StagingPath(metadata, fileName)
	if err != nil {
		return "", false, err
	}
	isArchive := archive.DetectFormat(fileName) != archive.FormatUnknown
	return stagingFile, isArchive, nil
}

func fileNameFromURL(url string) string {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			return url[i+1:]
		}
	}
	return url
}

// verifyExistingModel implements §4.7.1: every ModelFileNames entry is
// verified in parallel. Any non-Success/CacheHit outcome deletes the
// whole model directory and reports false; full success deletes a
// lingering staging archive (the model is canonicalised in its directory
// from that point on).
func (o *Orchestrator) verifyExistingModel(ctx context.Context, metadata *model.ModelMetadata, reporter progress.Reporter) bool {
	modelDir, err := o.resolver.ModelRoot(metadata)
	if err != nil {
		return false
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]verify.Outcome, len(metadata.ModelFileNames))
	for i, name := range metadata.ModelFileNames {
		i, name := i, name
		g.Go(func() error {
			filePath, err := o.resolver.FilePath(metadata, name)
			if err != nil {
				return err
			}
			expected := metadata.HashFor(i)
			outcome, digest, err := verify.VerifyFile(gctx, filePath, expected, nil)
			if err != nil {
				return err
			}
			results[i] = outcome
			switch outcome {
			case verify.OutcomeSuccess:
				reporter.Report(model.NewVerifyEvent(metadata, filePath, digest, expected, "verified"))
			case verify.OutcomeCacheHit:
				reporter.Report(model.NewVerifyEvent(metadata, filePath, digest, expected, "cache hit"))
			case verify.OutcomeHashMismatch:
				reporter.Report(model.NewVerifyEvent(metadata, filePath, digest, expected, "hash mismatch"))
			case verify.OutcomeFileNotFound:
				reporter.Report(model.NewVerifyEvent(metadata, filePath, "", expected, "file not found"))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.log.Warn("verification failed", zap.Error(err))
		return false
	}

	allGood := true
	for _, outcome := range results {
		if outcome != verify.OutcomeSuccess && outcome != verify.OutcomeCacheHit {
			allGood = false
			break
		}
	}
	if !allGood {
		_ = o.storage.RemoveAll(ctx, modelDir)
		return false
	}

	stagingFile, isArchive, err := o.stagingPath(metadata)
	if err == nil && isArchive {
		_ = o.storage.Remove(ctx, stagingFile)
	}
	return true
}

func (o *Orchestrator) downloadArchive(ctx context.Context, metadata *model.ModelMetadata, stagingFile string, reporter progress.Reporter) error {
	ok, err := o.downloader.Download(ctx, metadata.DownloadURL, stagingFile, metadata, reporter)
	if err != nil {
		if code, isCode := pkgerrors.Code(err); !isCode || code != pkgerrors.ErrCodeCancelled {
			o.log.Warn("download failed", zap.String("url", metadata.DownloadURL), zap.Error(err))
		}
		return err
	}
	if !ok {
		return pkgerrors.NewNetworkError(metadata.DownloadURL, nil)
	}
	return nil
}

func (o *Orchestrator) extractArchive(ctx context.Context, metadata *model.ModelMetadata, stagingFile, modelDir string, reporter progress.Reporter) error {
	_, err := archive.Extract(ctx, stagingFile, modelDir, archive.Options{}, func(written, total int64) {
		var pct float64
		if total > 0 {
			pct = float64(written) / float64(total)
		}
		reporter.Report(model.NewExtractEvent(metadata, stagingFile, pct, "extracting"))
	})
	if err != nil {
		o.log.Warn("extraction failed", zap.String("archive", stagingFile), zap.Error(err))
		return err
	}
	reporter.Report(model.NewExtractEvent(metadata, stagingFile, 1.0, "extraction complete"))
	return nil
}

// backoff sleeps delay(attempt) unless this was the last attempt, per
// §4.7's exponential schedule, and advances *delay for the next round.
// Returns false when there are no attempts left to retry.
func (o *Orchestrator) backoff(ctx context.Context, delay *time.Duration, attempt int) bool {
	if attempt >= o.maxAttempts-1 {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*delay):
	}
	*delay = time.Duration(float64(*delay) * backoffMultiplier)
	if *delay > backoffMaxDelay {
		*delay = backoffMaxDelay
	}
	return true
}

// cleanup implements the terminal-failure cleanup of §4.7: modelDir and
// stagingFile are removed in parallel, best-effort, each reported as a
// Clean event; errors from either removal are aggregated with multierr
// but never mask the original failure cause (the caller reports Failed
// separately).
func (o *Orchestrator) cleanup(ctx context.Context, metadata *model.ModelMetadata, modelDir, stagingFile string, reporter progress.Reporter) {
	var dirErr, fileErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dirErr = o.storage.RemoveAll(ctx, modelDir)
		reporter.Report(model.NewCleanEvent(metadata, modelDir, "removed partial model directory"))
	}()
	go func() {
		defer wg.Done()
		fileErr = o.storage.Remove(ctx, stagingFile)
		reporter.Report(model.NewCleanEvent(metadata, stagingFile, "removed partial staging archive"))
	}()
	wg.Wait()

	if combined := multierr.Append(dirErr, fileErr); combined != nil {
		o.log.Warn("cleanup encountered errors", zap.Error(combined))
	}
}
