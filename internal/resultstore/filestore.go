package resultstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"genjobs/internal/domain"
)

// FileStore persists completed artifacts on the local filesystem. Each
// job writes exactly one artifact, keyed by job ID; a second write for
// the same job is rejected so a redelivered message can never clobber a
// finished result. Artifact retention is independent of, and much longer
// than, the job record TTL so access references can be re-minted after
// the job record itself has been swept.
type FileStore struct {
	basePath  string
	retention time.Duration
}

// NewFileStore initializes a FileStore rooted at basePath.
func NewFileStore(basePath string, retention time.Duration) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("resultstore: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("resultstore: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, retention: retention}, nil
}

// Key returns the storage key for a job's artifact.
func (s *FileStore) Key(jobID string) string {
	return "results/" + jobID + ".json"
}

// Write persists the artifact for jobID and returns its storage key.
// Returns domain.ErrResultExists if an artifact is already present.
func (s *FileStore) Write(ctx context.Context, jobID string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := s.Key(jobID)
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("resultstore: ensure directory: %w", err)
	}
	// O_EXCL enforces write-once.
	f, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", domain.ErrResultExists
		}
		return "", fmt.Errorf("resultstore: create artifact: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("resultstore: write artifact: %w", err)
	}
	return key, nil
}

// Read loads the artifact stored under key. Returns domain.ErrResultExpired
// when the artifact no longer exists.
func (s *FileStore) Read(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrResultExpired
		}
		return nil, fmt.Errorf("resultstore: read artifact: %w", err)
	}
	return data, nil
}

// Exists reports whether an artifact is still present under key.
func (s *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Sweep deletes artifacts older than the retention window. Returns the
// number of artifacts removed.
func (s *FileStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.retention)
	removed := 0
	root := filepath.Join(s.basePath, "results")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("resultstore: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("resultstore: invalid key")
	}
	return cleaned, nil
}
