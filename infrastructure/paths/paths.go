// Package paths implements the Path Resolver (C1): pure functions mapping
// a module kind, model id, and file name to absolute filesystem paths
// under a per-module root, with traversal-escape guards.
package paths

import (
	"path/filepath"
	"strings"

	"github.com/skryldev/speechmodelcore/domain/model"
	pkgerrors "github.com/skryldev/speechmodelcore/pkg/errors"
)

// Resolver resolves paths under a single injected dataRoot so tests can
// redirect it without touching the real filesystem layout.
type Resolver struct {
	dataRoot string
}

// NewResolver creates a Resolver rooted at dataRoot.
func NewResolver(dataRoot string) *Resolver {
	return &Resolver{dataRoot: dataRoot}
}

// DataRoot returns the resolver's configured root.
func (r *Resolver) DataRoot() string { return r.dataRoot }

// ModuleRoot is "<dataRoot>/sherpa-onnx/models/<module-kind-kebab>".
func (r *Resolver) ModuleRoot(kind model.ModuleKind) (string, error) {
	if kind == "" {
		return "", pkgerrors.NewPreconditionError("moduleKind", "module kind must not be empty")
	}
	return filepath.Join(r.dataRoot, "sherpa-onnx", "models", string(kind)), nil
}

// ModelRoot is "<moduleRoot>/<modelId>".
func (r *Resolver) ModelRoot(metadata *model.ModelMetadata) (string, error) {
	if metadata == nil || metadata.ModelID == "" {
		return "", pkgerrors.NewPreconditionError("modelId", "model id must not be empty")
	}
	root, err := r.ModuleRoot(metadata.ModuleKind)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, metadata.ModelID), nil
}

// FilePath is "<modelRoot>/<name>".
func (r *Resolver) FilePath(metadata *model.ModelMetadata, name string) (string, error) {
	if name == "" {
		return "", pkgerrors.NewPreconditionError("name", "file name must not be empty")
	}
	root, err := r.ModelRoot(metadata)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, name), nil
}

// StagingPath resolves where the download body lands: directly in the
// model directory for plain files, or in the module root for recognized
// compressed extensions (so the archive sits alongside its eventual model
// directory, not inside it).
func (r *Resolver) StagingPath(metadata *model.ModelMetadata, fileName string) (string, error) {
	if isCompressedSuffix(fileName) {
		root, err := r.ModuleRoot(metadata.ModuleKind)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, fileName), nil
	}
	return r.FilePath(metadata, fileName)
}

var compressedSuffixes = []string{
	".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tb2", ".tar", ".zip", ".gz", ".bz2",
}

func isCompressedSuffix(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range compressedSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// EnsureWithinRoot asserts that path, once cleaned and made absolute, is
// contained within the resolver's dataRoot — the normalization guard
// against path traversal via "..". The check is lexical: symlinks are not
// resolved, so a link inside dataRoot that points outside it passes.
// ModuleRoot, ModelRoot, FilePath and StagingPath do not call it.
func (r *Resolver) EnsureWithinRoot(path string) error {
	absRoot, err := filepath.Abs(r.dataRoot)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil {
		return pkgerrors.NewSecurityError(path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return pkgerrors.NewSecurityError(path)
	}
	return nil
}
