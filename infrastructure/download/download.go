// Package download implements the Resumable Downloader (C4): HTTP(S)
// multi-chunk download with range requests, persisted chunk metadata,
// per-chunk retry, and bounded concurrency.
package download

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skryldev/speechmodelcore/domain/model"
	"github.com/skryldev/speechmodelcore/envstore"
	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
	"github.com/skryldev/speechmodelcore/pkg/logger"
	"github.com/skryldev/speechmodelcore/pkg/progress"
	"github.com/skryldev/speechmodelcore/pkg/retry"
)

const (
	minChunkSize        = 1 << 20  // 1 MiB
	defaultMaxChunkSize = 10 << 20 // 10 MiB
	hardMaxParallel     = 8
	userAgent           = "speechmodelcore/1.0"
	progressInterval    = 500 * time.Millisecond
)

// Config tunes one Downloader instance. Zero values resolve to the
// defaults named in the method docs below.
type Config struct {
	MaxParallelChunks int
	MaxRetryAttempts  int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallelChunks <= 0 {
		c.MaxParallelChunks = 4
	}
	if c.MaxParallelChunks > hardMaxParallel {
		c.MaxParallelChunks = hardMaxParallel
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// Downloader drives the probe/plan/stage/download/finalize algorithm of
// §4.4 against a shared *http.Client.
type Downloader struct {
	client *http.Client
	cfg    Config
	log    *logger.Logger
}

// New creates a Downloader. log may be nil, resolving to a production
// default.
func New(cfg Config, log *logger.Logger) *Downloader {
	cfg = cfg.withDefaults()
	if log == nil {
		log, _ = logger.New(false)
	}
	return &Downloader{
		client: &http.Client{Timeout: 0}, // per-request timeout applied via context below
		cfg:    cfg,
		log:    log,
	}
}

// Download fetches url into finalPath, resuming from any existing
// "<finalPath>.download"/".download.metadata" pair that matches url. The
// process-wide GithubProxy prefix, when set, is applied to url before any
// request is issued. Download feedback events go through reporter (nil is
// accepted and treated as a no-op sink); returns true on success.
func (d *Downloader) Download(ctx context.Context, url, finalPath string, metadata *model.ModelMetadata, reporter progress.Reporter) (bool, error) {
	if reporter == nil {
		reporter = progress.NoopReporter{}
	}
	url = envstore.Default().ApplyGithubProxy(url)
	stagingPath := finalPath + ".download"
	metaPath := finalPath + ".download.metadata"

	total, rangeSupported, err := d.probe(ctx, url)
	if err != nil {
		return false, err
	}

	chunkMeta, err := d.stage(stagingPath, metaPath, url, total, rangeSupported)
	if err != nil {
		return false, err
	}

	if err := d.downloadChunks(ctx, url, stagingPath, chunkMeta, metaPath, metadata, reporter); err != nil {
		if code, ok := pkgerrors.Code(err); ok && code == pkgerrors.ErrCodeCancelled {
			return false, err
		}
		return false, err
	}

	info, err := os.Stat(stagingPath)
	if err != nil {
		return false, err
	}
	if info.Size() != chunkMeta.TotalSize {
		return false, pkgerrors.NewNetworkError(url, fmt.Errorf("staged file size %d does not match expected %d", info.Size(), chunkMeta.TotalSize))
	}

	if err := os.Rename(stagingPath, finalPath); err != nil {
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

// probe issues HEAD first; if that yields no usable Content-Length it
// falls back to a small ranged GET and parses Content-Range, per §4.4
// step 1.
func (d *Downloader) probe(ctx context.Context, url string) (int64, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	if req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil); err == nil {
		req.Header.Set("User-Agent", userAgent)
		resp, err := d.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 && resp.ContentLength > 0 {
				rangeSupported := resp.Header.Get("Accept-Ranges") == "bytes"
				return resp.ContentLength, rangeSupported, nil
			}
		}
	}

	reqCtx2, cancel2 := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel2()
	req, err := http.NewRequestWithContext(reqCtx2, http.MethodGet, url, nil)
	if err != nil {
		return 0, false, pkgerrors.NewNetworkError(url, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", "bytes=0-1023")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, false, pkgerrors.NewNetworkError(url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusPartialContent {
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			return total, true, nil
		}
	}
	if resp.StatusCode == http.StatusOK && resp.ContentLength > 0 {
		return resp.ContentLength, false, nil
	}

	return 0, false, pkgerrors.NewNetworkError(url, fmt.Errorf("could not determine content length"))
}

func parseContentRangeTotal(header string) (int64, bool) {
	// "bytes a-b/N"
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	n, err := strconv.ParseInt(header[idx+1:], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func planChunkSize(total int64, maxParallelChunks int) int64 {
	size := total / int64(maxParallelChunks)
	if size < minChunkSize {
		size = minChunkSize
	}
	if size > defaultMaxChunkSize {
		size = defaultMaxChunkSize
	}
	return size
}

// stage loads an existing chunk-metadata sidecar matching url, or plans a
// fresh one and allocates a sparse staging file of length total.
func (d *Downloader) stage(stagingPath, metaPath, url string, total int64, rangeSupported bool) (*model.ChunkMetadata, error) {
	if existing, err := loadMetadata(metaPath); err == nil && existing.URL == url {
		if _, statErr := os.Stat(stagingPath); statErr == nil {
			return existing, nil
		}
	}

	chunkSize := planChunkSize(total, d.cfg.MaxParallelChunks)
	if !rangeSupported {
		chunkSize = total
	}

	var chunks []*model.ChunkInfo
	idx := 0
	for start := int64(0); start < total; start += chunkSize {
		end := start + chunkSize - 1
		if end >= total {
			end = total - 1
		}
		chunks = append(chunks, &model.ChunkInfo{Index: idx, StartByte: start, EndByte: end})
		idx++
		if !rangeSupported {
			break
		}
	}

	now := time.Now()
	meta := &model.ChunkMetadata{
		URL:              url,
		FileName:         stagingPath,
		TotalSize:        total,
		ChunkSize:        chunkSize,
		CreatedTime:      now,
		LastModifiedTime: now,
		Chunks:           chunks,
	}

	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()

	if err := saveMetadata(metaPath, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func loadMetadata(path string) (*model.ChunkMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta model.ChunkMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func saveMetadata(path string, meta *model.ChunkMetadata) error {
	meta.LastModifiedTime = time.Now()
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// downloadChunks fetches every incomplete chunk under a bounded-concurrency
// errgroup, writing at absolute file offsets under a single file-level
// lock, and drives a ticker that aggregates progress into throttled
// Download feedback events.
func (d *Downloader) downloadChunks(ctx context.Context, url, stagingPath string, meta *model.ChunkMetadata, metaPath string, metadata *model.ModelMetadata, reporter progress.Reporter) error {
	file, err := os.OpenFile(stagingPath, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	var fileMu sync.Mutex
	var metaMu sync.Mutex
	var downloaded int64
	for _, c := range meta.Chunks {
		atomic.AddInt64(&downloaded, c.DownloadedBytes)
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	go func() {
		defer progressWG.Done()
		d.reportProgress(progressCtx, url, meta.TotalSize, &downloaded, metadata, reporter)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxParallelChunks)
	for _, chunk := range meta.Chunks {
		chunk := chunk
		if chunk.Completed {
			continue
		}
		g.Go(func() error {
			return d.downloadChunk(gctx, url, file, &fileMu, chunk, meta, metaPath, &metaMu, &downloaded)
		})
	}
	err = g.Wait()
	stopProgress()
	progressWG.Wait()

	if reporter != nil {
		final := atomic.LoadInt64(&downloaded)
		reporter.Report(model.NewDownloadEvent(metadata, url, final, meta.TotalSize, 0, 0))
	}
	return err
}

func (d *Downloader) reportProgress(ctx context.Context, url string, total int64, downloaded *int64, metadata *model.ModelMetadata, reporter progress.Reporter) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	lastBytes := atomic.LoadInt64(downloaded)
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			cur := atomic.LoadInt64(downloaded)
			elapsed := now.Sub(lastTime).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(cur-lastBytes) / elapsed
			}
			var eta time.Duration
			if speed > 0 && total > cur {
				eta = time.Duration(float64(total-cur)/speed) * time.Second
			}
			reporter.Report(model.NewDownloadEvent(metadata, url, cur, total, speed, eta))
			d.log.Debug("download progress",
				zap.String("url", url),
				zap.Int64("downloaded_bytes", cur),
				zap.Int64("total_bytes", total),
				zap.String("speed", FormatSpeed(speed)),
			)
			lastBytes = cur
			lastTime = now
		}
	}
}

func (d *Downloader) downloadChunk(ctx context.Context, url string, file *os.File, fileMu *sync.Mutex, chunk *model.ChunkInfo, meta *model.ChunkMetadata, metaPath string, metaMu *sync.Mutex, downloaded *int64) error {
	cfg := retry.Config{MaxAttempts: d.cfg.MaxRetryAttempts, Delay: d.cfg.RetryDelay, Multiplier: 1, MaxDelay: d.cfg.RetryDelay}
	return retry.Do(ctx, cfg, func() error {
		if chunk.Remaining() <= 0 {
			chunk.Completed = true
			return nil
		}
		start := chunk.StartByte + chunk.DownloadedBytes
		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			chunk.RetryCount++
			return pkgerrors.NewNetworkError(url, err)
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, chunk.EndByte))

		resp, err := d.client.Do(req)
		if err != nil {
			chunk.RetryCount++
			chunk.LastError = err.Error()
			return pkgerrors.NewNetworkError(url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
			chunk.Completed = true
			chunk.DownloadedBytes = chunk.EndByte - chunk.StartByte + 1
			return nil
		}
		if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
			chunk.RetryCount++
			err := pkgerrors.NewNetworkError(url, fmt.Errorf("unexpected status %d", resp.StatusCode))
			chunk.LastError = err.Error()
			return err
		}

		buf := make([]byte, 64*1024)
		offset := start
		for {
			if err := ctx.Err(); err != nil {
				return pkgerrors.NewCancelledError(err)
			}
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				fileMu.Lock()
				_, werr := file.WriteAt(buf[:n], offset)
				fileMu.Unlock()
				if werr != nil {
					return werr
				}
				offset += int64(n)
				chunk.DownloadedBytes += int64(n)
				atomic.AddInt64(downloaded, int64(n))
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				chunk.RetryCount++
				chunk.LastError = readErr.Error()
				return pkgerrors.NewNetworkError(url, readErr)
			}
		}

		if chunk.Remaining() <= 0 {
			chunk.Completed = true
		}
		chunk.LastError = ""
		metaMu.Lock()
		saveErr := saveMetadata(metaPath, meta)
		metaMu.Unlock()
		return saveErr
	})
}

// FormatSpeed renders a bytes/second rate using go-humanize, for reporters
// that want a human-facing string (CLI output, logs).
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSecond)) + "/s"
}

// FormatBytes renders a byte count using go-humanize.
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}
