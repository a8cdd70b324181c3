package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestComputeSHA256MatchesStdlib(t *testing.T) {
	dir := t.TempDir()
	content := []byte("the quick brown fox jumps over the lazy dog")
	path := writeTempFile(t, dir, "f.bin", content)

	digest, err := ComputeSHA256(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("ComputeSHA256: %v", err)
	}
	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])
	if digest != want {
		t.Fatalf("digest = %s, want %s", digest, want)
	}
}

func TestComputeSHA256EmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "empty.bin", nil)

	digest, err := ComputeSHA256(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("ComputeSHA256: %v", err)
	}
	sum := sha256.Sum256(nil)
	if digest != hex.EncodeToString(sum[:]) {
		t.Fatalf("digest = %s, want empty-file hash", digest)
	}
}

func TestVerifyFileNotFound(t *testing.T) {
	dir := t.TempDir()
	outcome, _, err := VerifyFile(context.Background(), filepath.Join(dir, "missing.bin"), "deadbeef", nil)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if outcome != OutcomeFileNotFound {
		t.Fatalf("outcome = %v, want OutcomeFileNotFound", outcome)
	}
}

func TestVerifyFileHashMismatch(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "f.bin", []byte("hello"))

	outcome, digest, err := VerifyFile(context.Background(), path, "0000000000000000000000000000000000000000000000000000000000000000", nil)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if outcome != OutcomeHashMismatch {
		t.Fatalf("outcome = %v, want OutcomeHashMismatch", outcome)
	}
	if digest == "" {
		t.Fatalf("expected computed digest to be returned on mismatch")
	}
}

func TestVerifyFileCacheHitOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	content := []byte("cache me")
	path := writeTempFile(t, dir, "f.bin", content)
	sum := sha256.Sum256(content)
	expected := hex.EncodeToString(sum[:])

	outcome, _, err := VerifyFile(context.Background(), path, expected, nil)
	if err != nil {
		t.Fatalf("VerifyFile (first): %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("first outcome = %v, want OutcomeSuccess", outcome)
	}

	if _, err := os.Stat(cachePath(path)); err != nil {
		t.Fatalf("expected sidecar cache file to be written: %v", err)
	}

	outcome, digest, err := VerifyFile(context.Background(), path, expected, nil)
	if err != nil {
		t.Fatalf("VerifyFile (second): %v", err)
	}
	if outcome != OutcomeCacheHit {
		t.Fatalf("second outcome = %v, want OutcomeCacheHit", outcome)
	}
	if digest != expected {
		t.Fatalf("cached digest = %s, want %s", digest, expected)
	}
}

func TestVerifyFileStaleCacheIsRecomputed(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "f.bin", []byte("version one"))
	sum1 := sha256.Sum256([]byte("version one"))
	expected1 := hex.EncodeToString(sum1[:])

	if _, _, err := VerifyFile(context.Background(), path, expected1, nil); err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}

	// Simulate the file being rewritten after the sidecar was cached by
	// advancing its mtime; the cache mtime check should then miss.
	if err := os.WriteFile(path, []byte("version two"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	sum2 := sha256.Sum256([]byte("version two"))
	expected2 := hex.EncodeToString(sum2[:])
	outcome, digest, err := VerifyFile(context.Background(), path, expected2, nil)
	if err != nil {
		t.Fatalf("VerifyFile (after rewrite): %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want OutcomeSuccess", outcome)
	}
	if digest != expected2 {
		t.Fatalf("digest = %s, want %s", digest, expected2)
	}
}

func TestInvalidateCacheRemovesSidecar(t *testing.T) {
	dir := t.TempDir()
	content := []byte("x")
	path := writeTempFile(t, dir, "f.bin", content)
	sum := sha256.Sum256(content)
	expected := hex.EncodeToString(sum[:])

	if _, _, err := VerifyFile(context.Background(), path, expected, nil); err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if err := InvalidateCache(path); err != nil {
		t.Fatalf("InvalidateCache: %v", err)
	}
	if _, err := os.Stat(cachePath(path)); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar to be removed, stat err = %v", err)
	}

	// Invalidating a non-existent sidecar is not an error.
	if err := InvalidateCache(path); err != nil {
		t.Fatalf("InvalidateCache (already gone): %v", err)
	}
}

func TestVerifyFileEmptyExpectedHashIsExistenceCheck(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "f.bin", []byte("anything"))
	outcome, digest, err := VerifyFile(context.Background(), path, "", nil)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v, want OutcomeSuccess", outcome)
	}
	if digest != "" {
		t.Fatalf("digest = %q, want empty for existence-only check", digest)
	}
}

func TestVerifyFileIsDirectory(t *testing.T) {
	dir := t.TempDir()
	outcome, _, err := VerifyFile(context.Background(), dir, "", nil)
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if outcome != OutcomeIsDirectory {
		t.Fatalf("outcome = %v, want OutcomeIsDirectory", outcome)
	}

	outcome, _, err = VerifyFile(context.Background(), dir, "deadbeef", nil)
	if err == nil {
		t.Fatal("expected an error when a hash is requested for a directory")
	}
	if outcome != OutcomeError {
		t.Fatalf("outcome = %v, want OutcomeError for a hash request on a directory", outcome)
	}
}
