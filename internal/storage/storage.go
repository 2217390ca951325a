// Package storage owns the on-disk layout: one validated input image per job
// id under inputs/, and one directory per job id under outputs/ holding the
// structured result and the annotated image.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"visionq/internal/config"
)

var ErrTooLarge = errors.New("upload exceeds size limit")

const (
	resultFilename    = "result.json"
	annotatedFilename = "annotated.jpg"
)

type Storage struct {
	inputsDir      string
	outputsDir     string
	maxUploadBytes int64
}

func New(cfg config.StorageConfig) *Storage {
	return &Storage{
		inputsDir:      cfg.InputsDir(),
		outputsDir:     cfg.OutputsDir(),
		maxUploadBytes: cfg.MaxUploadBytes,
	}
}

// EnsureDirs creates the inputs and outputs roots.
func (s *Storage) EnsureDirs() error {
	for _, dir := range []string{s.inputsDir, s.outputsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// SaveUpload streams r to a temporary per-job file, enforcing the byte
// ceiling as it copies. On ErrTooLarge the partial file has already been
// removed. The returned path is temporary until PromoteUpload renames it.
func (s *Storage) SaveUpload(r io.Reader, jobID uuid.UUID) (string, int64, error) {
	tmpPath := filepath.Join(s.inputsDir, jobID.String()+".upload")

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}

	// Read one byte past the limit so a size exactly at the cap passes.
	n, err := io.Copy(f, io.LimitReader(r, s.maxUploadBytes+1))
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("close upload: %w", closeErr)
	}
	if n > s.maxUploadBytes {
		os.Remove(tmpPath)
		return "", 0, ErrTooLarge
	}
	return tmpPath, n, nil
}

// PromoteUpload renames a validated temporary upload to its final
// content-typed name.
func (s *Storage) PromoteUpload(tmpPath string, jobID uuid.UUID, suffix string) (string, error) {
	finalPath := filepath.Join(s.inputsDir, jobID.String()+suffix)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("promote upload: %w", err)
	}
	return finalPath, nil
}

// Remove deletes the given files, ignoring paths that are already gone.
// Cleanup is best-effort; the first real error is returned for logging.
func (s *Storage) Remove(paths ...string) error {
	var first error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) && first == nil {
			first = err
		}
	}
	return first
}

// WriteArtifacts persists the result payload and annotated JPEG for a job
// under outputs/<job-id>/ and returns both paths.
func (s *Storage) WriteArtifacts(jobID uuid.UUID, result, annotated []byte) (resultPath, annotatedPath string, err error) {
	outDir := filepath.Join(s.outputsDir, jobID.String())
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create output dir: %w", err)
	}

	resultPath = filepath.Join(outDir, resultFilename)
	if err := os.WriteFile(resultPath, result, 0o644); err != nil {
		return "", "", fmt.Errorf("write result: %w", err)
	}

	annotatedPath = filepath.Join(outDir, annotatedFilename)
	if err := os.WriteFile(annotatedPath, annotated, 0o644); err != nil {
		return "", "", fmt.Errorf("write annotated image: %w", err)
	}
	return resultPath, annotatedPath, nil
}
