// Package verify implements the Hash & File Verifier (C2): SHA-256
// computation with progress and cancellation, and a cache sidecar keyed
// by file mtime so a repeat verification of an unchanged file never
// rereads its body.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
)

// Outcome classifies the result of VerifyFile.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCacheHit
	OutcomeHashMismatch
	OutcomeFileNotFound
	OutcomeIsDirectory
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeCacheHit:
		return "CacheHit"
	case OutcomeHashMismatch:
		return "HashMismatch"
	case OutcomeFileNotFound:
		return "FileNotFound"
	case OutcomeIsDirectory:
		return "IsDirectory"
	default:
		return "Error"
	}
}

const readBufferSize = 64 * 1024

var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, readBufferSize)
		return &b
	},
}

// ComputeSHA256 hashes the file at path, reporting progress in [0,1]
// after every buffered read and honoring ctx between reads.
func ComputeSHA256(ctx context.Context, path string, onProgress func(float64)) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", pkgerrors.NewNotFoundError(path)
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	total := info.Size()

	bufPtr := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bufPtr)
	buf := *bufPtr

	h := sha256.New()
	var readSoFar int64
	for {
		if err := ctx.Err(); err != nil {
			return "", pkgerrors.NewCancelledError(err)
		}
		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			readSoFar += int64(n)
			if onProgress != nil && total > 0 {
				onProgress(float64(readSoFar) / float64(total))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", readErr
		}
	}
	if onProgress != nil {
		onProgress(1.0)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile checks path against expectedHash (case-insensitive),
// consulting and refreshing the hash cache sidecar. When expectedHash is
// empty and path exists, it returns OutcomeSuccess immediately — used for
// plain existence checks.
func VerifyFile(ctx context.Context, path, expectedHash string, onProgress func(float64)) (Outcome, string, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return OutcomeFileNotFound, "", nil
	}
	if err != nil {
		return OutcomeError, "", err
	}
	if info.IsDir() {
		if expectedHash != "" {
			return OutcomeError, "", pkgerrors.NewPreconditionError("path", "hash requested for a directory")
		}
		return OutcomeIsDirectory, "", nil
	}
	if expectedHash == "" {
		return OutcomeSuccess, "", nil
	}

	if mtime, digest, ok := readCache(path); ok && !mtime.Before(info.ModTime()) {
		if strings.EqualFold(digest, expectedHash) {
			return OutcomeCacheHit, digest, nil
		}
	}

	digest, err := ComputeSHA256(ctx, path, onProgress)
	if err != nil {
		return OutcomeError, "", err
	}

	if err := writeCache(path, digest); err != nil {
		return OutcomeError, "", err
	}

	if !strings.EqualFold(digest, expectedHash) {
		return OutcomeHashMismatch, digest, nil
	}
	return OutcomeSuccess, digest, nil
}

func cachePath(path string) string { return path + ".sha256" }

// readCache reads the sidecar's two lines — source mtime, then hex digest —
// per §6's hash cache sidecar format. A malformed or missing sidecar is
// treated as a cache miss, never an error.
func readCache(path string) (mtime time.Time, digest string, ok bool) {
	data, err := os.ReadFile(cachePath(path))
	if err != nil {
		return time.Time{}, "", false
	}
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 2)
	if len(lines) != 2 {
		return time.Time{}, "", false
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(lines[0]))
	if err != nil {
		return time.Time{}, "", false
	}
	return t, strings.TrimSpace(lines[1]), true
}

// writeCache persists the sidecar using the source file's own mtime, so a
// later readCache's "mtime(sidecar) >= mtime(file)" check is really a
// "digest computed at-or-after this mtime" check rather than depending on
// when the sidecar itself happens to be written.
func writeCache(path, digest string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	content := info.ModTime().UTC().Format(time.RFC3339Nano) + "\n" + strings.ToLower(digest) + "\n"
	return os.WriteFile(cachePath(path), []byte(content), 0o644)
}

// InvalidateCache removes a file's hash-cache sidecar, if any.
func InvalidateCache(path string) error {
	err := os.Remove(cachePath(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
