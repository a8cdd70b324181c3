// Package archive implements the Archive Extractor (C3): suffix-dispatched
// streaming extraction of zip/tar/tar.gz/tar.bz2/gz/bz2 archives into a
// destination directory with traversal-safe paths, pooled buffers, and
// throttled progress reporting.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Format identifies the recognized archive container/compression.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarBz2
	FormatGz
	FormatBz2
)

// suffixes is ordered longest-suffix-first so ".tar.gz" matches before a
// hypothetical bare ".gz" rule would shadow it.
var suffixes = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tgz", FormatTarGz},
	{".tar.bz2", FormatTarBz2},
	{".tbz2", FormatTarBz2},
	{".tb2", FormatTarBz2},
	{".tar", FormatTar},
	{".zip", FormatZip},
	{".gz", FormatGz},
	{".bz2", FormatBz2},
}

// DetectFormat dispatches on filename suffix, case-insensitive, longest
// match first.
func DetectFormat(name string) Format {
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.format
		}
	}
	return FormatUnknown
}

// Options configures one Extract call.
type Options struct {
	BufferSize       int  // default 1 MiB
	MaxParallelism   int  // ZIP only; default 1
	PreAllocate      bool // os.Truncate(entry.Size) before write
	AccurateProgress bool // pre-scan tar archives for a true total
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = 1 << 20
	}
	if o.MaxParallelism <= 0 {
		o.MaxParallelism = 1
	}
	return o
}

// Outcome is the terminal result of an Extract call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCancelled
)

const defaultPoolBufferSize = 1 << 20

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, defaultPoolBufferSize)
		return &b
	},
}

func getBuffer(size int) *[]byte {
	if size == defaultPoolBufferSize {
		return bufferPool.Get().(*[]byte)
	}
	b := make([]byte, size)
	return &b
}

func putBuffer(buf *[]byte) {
	if len(*buf) == defaultPoolBufferSize {
		bufferPool.Put(buf)
	}
}

// ProgressFunc reports bytes-written-so-far and the known total (0 if the
// total is unknown and accurate progress wasn't requested).
type ProgressFunc func(written, total int64)

// Extract streams sourceArchive into destinationDir per the dispatched
// format. destinationDir is created if missing. Every entry's resolved
// destination path is asserted to remain within destinationDir; a
// violation aborts the whole extraction with a SecurityError and leaves no
// files from that point forward (files already written before the
// violation are not retroactively removed — callers rely on the
// orchestrator's terminal cleanup for that).
func Extract(ctx context.Context, sourceArchive, destinationDir string, opts Options, onProgress ProgressFunc) (Outcome, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(destinationDir, 0o755); err != nil {
		return OutcomeCancelled, err
	}

	format := DetectFormat(sourceArchive)
	switch format {
	case FormatZip:
		return extractZip(ctx, sourceArchive, destinationDir, opts, onProgress)
	case FormatTar:
		f, err := os.Open(sourceArchive)
		if err != nil {
			return OutcomeCancelled, err
		}
		defer f.Close()
		return extractTar(ctx, f, sourceArchive, destinationDir, opts, onProgress)
	case FormatTarGz:
		f, err := os.Open(sourceArchive)
		if err != nil {
			return OutcomeCancelled, err
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return OutcomeCancelled, pkgerrors.NewExtractionError(sourceArchive, err)
		}
		defer gz.Close()
		return extractTar(ctx, gz, sourceArchive, destinationDir, opts, onProgress)
	case FormatTarBz2:
		f, err := os.Open(sourceArchive)
		if err != nil {
			return OutcomeCancelled, err
		}
		defer f.Close()
		return extractTar(ctx, bzip2.NewReader(f), sourceArchive, destinationDir, opts, onProgress)
	case FormatGz:
		return extractSingleStream(ctx, sourceArchive, destinationDir, ".gz", func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		}, opts, onProgress)
	case FormatBz2:
		return extractSingleStream(ctx, sourceArchive, destinationDir, ".bz2", func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		}, opts, onProgress)
	default:
		return OutcomeCancelled, pkgerrors.NewExtractionError(sourceArchive, errUnsupportedFormat(sourceArchive))
	}
}

type unsupportedFormatErr struct{ name string }

func (e unsupportedFormatErr) Error() string { return "unsupported archive format: " + e.name }

func errUnsupportedFormat(name string) error { return unsupportedFormatErr{name: name} }

// safeJoin resolves name under destinationDir and rejects any result whose
// cleaned form escapes destinationDir — the zip-slip / tar-slip guard.
func safeJoin(destinationDir, name string) (string, error) {
	target := filepath.Join(destinationDir, name)
	cleanDest := filepath.Clean(destinationDir) + string(filepath.Separator)
	cleanTarget := filepath.Clean(target)
	if cleanTarget != filepath.Clean(destinationDir) && !strings.HasPrefix(cleanTarget+string(filepath.Separator), cleanDest) {
		return "", pkgerrors.NewSecurityError(name)
	}
	return target, nil
}

func extractSingleStream(ctx context.Context, sourceArchive, destinationDir, suffix string, open func(io.Reader) (io.Reader, error), opts Options, onProgress ProgressFunc) (Outcome, error) {
	in, err := os.Open(sourceArchive)
	if err != nil {
		return OutcomeCancelled, err
	}
	defer in.Close()

	r, err := open(in)
	if err != nil {
		return OutcomeCancelled, pkgerrors.NewExtractionError(sourceArchive, err)
	}

	name := filepath.Base(sourceArchive)
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, suffix) {
		name = name[:len(name)-len(suffix)]
	}
	destPath, err := safeJoin(destinationDir, name)
	if err != nil {
		return OutcomeCancelled, err
	}

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return OutcomeCancelled, err
	}
	defer out.Close()

	bufPtr := getBuffer(opts.BufferSize)
	defer putBuffer(bufPtr)

	written, err := copyWithProgress(ctx, out, r, *bufPtr, 0, onProgress)
	if err != nil {
		return OutcomeCancelled, err
	}
	if onProgress != nil {
		onProgress(written, written)
	}
	return OutcomeSuccess, nil
}

// copyWithProgress streams src into dst through buf, honoring ctx between
// reads and reporting cumulative bytes written against total (0 if
// unknown).
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, buf []byte, total int64, onProgress ProgressFunc) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, pkgerrors.NewCancelledError(err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func extractTar(ctx context.Context, r io.Reader, sourceArchive, destinationDir string, opts Options, onProgress ProgressFunc) (Outcome, error) {
	var total int64
	if opts.AccurateProgress {
		if scanned, ok := preScanTarSize(sourceArchive); ok {
			total = scanned
		}
	}

	tr := tar.NewReader(r)
	var written int64
	bufPtr := getBuffer(opts.BufferSize)
	defer putBuffer(bufPtr)
	buf := *bufPtr

	for {
		if err := ctx.Err(); err != nil {
			return OutcomeCancelled, pkgerrors.NewCancelledError(err)
		}
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return OutcomeCancelled, pkgerrors.NewExtractionError(sourceArchive, err)
		}
		if header.Typeflag == tar.TypeXGlobalHeader || header.Typeflag == tar.TypeXHeader {
			continue
		}
		if header.Typeflag == tar.TypeDir {
			destPath, err := safeJoin(destinationDir, header.Name)
			if err != nil {
				return OutcomeCancelled, err
			}
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return OutcomeCancelled, err
			}
			continue
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		destPath, err := safeJoin(destinationDir, header.Name)
		if err != nil {
			return OutcomeCancelled, err
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return OutcomeCancelled, err
		}

		mode := os.FileMode(header.Mode) & 0o777
		if mode == 0 {
			mode = 0o644
		}
		out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return OutcomeCancelled, err
		}
		if opts.PreAllocate && header.Size > 0 {
			if err := out.Truncate(header.Size); err != nil {
				out.Close()
				return OutcomeCancelled, err
			}
		}

		w := bufio.NewWriterSize(out, len(buf))
		n, err := copyWithProgress(ctx, w, tr, buf, total, func(w64, _ int64) {
			if onProgress != nil {
				onProgress(written+w64, total)
			}
		})
		if err == nil {
			err = w.Flush()
		}
		out.Close()
		if err != nil {
			return OutcomeCancelled, err
		}
		written += n
	}

	if onProgress != nil {
		final := total
		if final == 0 {
			final = written
		}
		onProgress(written, final)
	}
	return OutcomeSuccess, nil
}

// preScanTarSize reopens sourceArchive and sums regular-file sizes across
// the whole archive, used only when AccurateProgress is requested — the
// extra pass trades I/O for an exact denominator instead of reporting
// bytes-written against an unknown total.
func preScanTarSize(sourceArchive string) (int64, bool) {
	f, err := os.Open(sourceArchive)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var r io.Reader = f
	switch DetectFormat(sourceArchive) {
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, false
		}
		defer gz.Close()
		r = gz
	case FormatTarBz2:
		r = bzip2.NewReader(f)
	case FormatTar:
		// r is already the raw file
	default:
		return 0, false
	}

	tr := tar.NewReader(r)
	var total int64
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, false
		}
		if header.Typeflag == tar.TypeReg {
			total += header.Size
		}
	}
	return total, true
}

// extractZip enumerates the zip's file entries and extracts them, spread
// across up to opts.MaxParallelism workers. zip.Reader serves independent
// io.ReadClosers per entry so each worker can open its own without shared
// mutable state; progress is aggregated with an atomic counter and
// throttled to at most one callback every 100 ms.
func extractZip(ctx context.Context, sourceArchive, destinationDir string, opts Options, onProgress ProgressFunc) (Outcome, error) {
	zr, err := zip.OpenReader(sourceArchive)
	if err != nil {
		return OutcomeCancelled, pkgerrors.NewExtractionError(sourceArchive, err)
	}
	defer zr.Close()

	var total int64
	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		total += int64(f.UncompressedSize64)
		files = append(files, f)
	}
	// Deterministic order makes progress and errors reproducible across runs.
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var written int64
	var lastReport int64
	var reportMu sync.Mutex
	report := func(delta int64) {
		w := atomic.AddInt64(&written, delta)
		if onProgress == nil {
			return
		}
		reportMu.Lock()
		defer reportMu.Unlock()
		now := time.Now().UnixMilli()
		if now-lastReport >= 100 || w == total {
			lastReport = now
			onProgress(w, total)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxParallelism)
	for _, f := range files {
		f := f
		g.Go(func() error {
			return extractZipEntry(gctx, f, destinationDir, opts, report)
		})
	}
	if err := g.Wait(); err != nil {
		return OutcomeCancelled, err
	}
	return OutcomeSuccess, nil
}

func extractZipEntry(ctx context.Context, f *zip.File, destinationDir string, opts Options, report func(int64)) error {
	if err := ctx.Err(); err != nil {
		return pkgerrors.NewCancelledError(err)
	}
	destPath, err := safeJoin(destinationDir, f.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return pkgerrors.NewExtractionError(f.Name, err)
	}
	defer rc.Close()

	mode := f.Mode() & 0o777
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if opts.PreAllocate && f.UncompressedSize64 > 0 {
		if err := out.Truncate(int64(f.UncompressedSize64)); err != nil {
			return err
		}
	}

	bufPtr := getBuffer(opts.BufferSize)
	defer putBuffer(bufPtr)
	buf := *bufPtr

	for {
		if err := ctx.Err(); err != nil {
			return pkgerrors.NewCancelledError(err)
		}
		n, readErr := rc.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			report(int64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
