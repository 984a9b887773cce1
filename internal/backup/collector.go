package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"org-backup-engine/internal/logging"

	"golang.org/x/time/rate"
)

// CollectedFile is one file copied into the staging area
type CollectedFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// CollectResult describes the files staged for one backup run
type CollectResult struct {
	RunDir    string          `json:"-"`
	Files     []CollectedFile `json:"files"`
	Missing   []string        `json:"missing,omitempty"`
	TotalSize int64           `json:"total_size"`
}

// FileCollector copies files referenced by tenant rows into a staging area
type FileCollector struct {
	config      FilesConfig
	stagingRoot string
	limiter     *rate.Limiter
	logger      *logging.Logger
}

// NewFileCollector creates a collector staging files under stagingRoot
func NewFileCollector(config FilesConfig, stagingRoot string, logger *logging.Logger) *FileCollector {
	config.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst)
	}

	return &FileCollector{
		config:      config,
		stagingRoot: stagingRoot,
		limiter:     limiter,
		logger:      logger,
	}
}

// RunDir returns the staging directory of a run
func (c *FileCollector) RunDir(runID string) string {
	return filepath.Join(c.stagingRoot, filepath.Base(runID))
}

// Collect copies every file referenced by data into <staging>/<run>/files,
// keeping the path relative to the source root. Missing files are reported
// and skipped.
func (c *FileCollector) Collect(ctx context.Context, runID string, data map[string]map[string][]Row, progress FileProgressFunc) (*CollectResult, error) {
	runDir := c.RunDir(runID)
	filesDir := filepath.Join(runDir, "files")
	if err := os.MkdirAll(filesDir, 0750); err != nil {
		return nil, NewStorageError("failed to create staging directory", err).WithContext("path", filesDir)
	}

	refs := c.references(data)
	result := &CollectResult{RunDir: runDir}

	for i, rel := range refs {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		file, err := c.copyFile(ctx, rel, filesDir)
		if err != nil {
			if os.IsNotExist(err) {
				result.Missing = append(result.Missing, rel)
				c.logger.WithFields(map[string]interface{}{
					"operation": "file_collection",
					"path":      rel,
				}).Warn("Referenced file is missing")
				continue
			}
			return nil, NewStorageError(fmt.Sprintf("failed to collect file %s", rel), err)
		}

		result.Files = append(result.Files, *file)
		result.TotalSize += file.Size
		if progress != nil {
			progress(rel, i+1, len(refs))
		}
	}

	return result, nil
}

// references returns the de-duplicated, sorted relative paths of all files
// referenced by file columns
func (c *FileCollector) references(data map[string]map[string][]Row) []string {
	seen := make(map[string]bool)
	for _, tables := range data {
		for _, rows := range tables {
			for _, row := range rows {
				for column, value := range row {
					if !c.isFileColumn(column) {
						continue
					}
					s, ok := value.(string)
					if !ok {
						continue
					}
					if rel, ok := c.relativePath(s); ok {
						seen[rel] = true
					}
				}
			}
		}
	}

	refs := make([]string, 0, len(seen))
	for rel := range seen {
		refs = append(refs, rel)
	}
	sort.Strings(refs)
	return refs
}

func (c *FileCollector) isFileColumn(column string) bool {
	if strings.HasPrefix(column, "_") {
		return false
	}
	for _, pattern := range c.config.Columns {
		if strings.Contains(column, pattern) {
			return true
		}
	}
	return false
}

// relativePath cleans a stored reference into a path under the source root.
// Remote URLs and references escaping the root are ignored.
func (c *FileCollector) relativePath(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.Contains(lower, "://") {
		return "", false
	}

	rel := filepath.ToSlash(filepath.Clean("/" + ref))
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" || rel == "." {
		return "", false
	}
	cleaned := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(ref, "/")))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return rel, true
}

func (c *FileCollector) copyFile(ctx context.Context, rel, filesDir string) (*CollectedFile, error) {
	src, err := os.Open(filepath.Join(c.config.SourceRoot, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, &os.PathError{Op: "open", Path: rel, Err: os.ErrNotExist}
	}

	target := filepath.Join(filesDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return nil, err
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, h), &contextReader{ctx: ctx, r: src})
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}

	return &CollectedFile{Path: rel, Size: size, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// Cleanup removes the staging directory of a run
func (c *FileCollector) Cleanup(runID string) error {
	if err := os.RemoveAll(c.RunDir(runID)); err != nil {
		return NewStorageError("failed to remove staging directory", err).WithContext("run", runID)
	}
	return nil
}

// CleanupStale removes staging runs last modified before now-olderThan and
// returns how many were removed
func (c *FileCollector) CleanupStale(olderThan time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(c.stagingRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, NewStorageError("failed to read staging directory", err)
	}

	cutoff := now.Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.stagingRoot, entry.Name())); err != nil {
			c.logger.WithField("path", entry.Name()).Warnf("Failed to remove stale staging entry: %v", err)
			continue
		}
		removed++
	}
	return removed, nil
}
