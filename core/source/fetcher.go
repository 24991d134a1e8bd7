package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"QueueFM/logger"
)

// Fetcher downloads audio into a cache directory.
type Fetcher struct {
	ext      Extractor
	cacheDir string
	timeout  time.Duration
}

// NewFetcher 创建下载器
func NewFetcher(ext Extractor, cacheDir string, timeout time.Duration) *Fetcher {
	return &Fetcher{ext: ext, cacheDir: cacheDir, timeout: timeout}
}

// CacheDir returns the download directory.
func (f *Fetcher) CacheDir() string {
	return f.cacheDir
}

// FileTag is the part of a download's file name that identifies it:
// "[sourceID]-itemID", or "[sourceID]" without an item. Every queue item
// gets its own file even when two items share a source.
func FileTag(sourceID, itemID string) string {
	if itemID == "" {
		return "[" + sourceID + "]"
	}
	return "[" + sourceID + "]-" + itemID
}

// Download fetches url for the queue item itemID and returns the path of the
// produced file. The file is found by its FileTag regardless of the
// extension the extractor picked.
func (f *Fetcher) Download(ctx context.Context, url, sourceID, itemID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	tag := FileTag(sourceID, itemID)
	output := filepath.Join(f.cacheDir, "%(title).80s "+tag+".%(ext)s")
	started := time.Now()
	if err := f.ext.Download(ctx, url, output); err != nil {
		reason := "extractor exited with error"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = fmt.Sprintf("timed out after %s", f.timeout)
		}
		return "", &DownloadError{SourceID: sourceID, Reason: reason, Err: err}
	}

	path, err := f.find(tag)
	if err != nil {
		return "", &DownloadError{SourceID: sourceID, Reason: "no output file", Err: err}
	}

	logger.Debug("download finished",
		logger.Component("fetcher"),
		logger.String("sourceId", sourceID),
		logger.String("itemId", itemID),
		logger.String("file", filepath.Base(path)),
		logger.Duration("took", time.Since(started)))
	return path, nil
}

// find returns the newest finished file whose name ends in tag plus an
// extension.
func (f *Fetcher) find(tag string) (string, error) {
	entries, err := os.ReadDir(f.cacheDir)
	if err != nil {
		return "", err
	}
	tag += "."
	var (
		best    string
		bestMod time.Time
	)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.Contains(name, tag) || partial(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best, bestMod = name, info.ModTime()
		}
	}
	if best == "" {
		return "", fs.ErrNotExist
	}
	return filepath.Join(f.cacheDir, best), nil
}

func partial(name string) bool {
	return strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl")
}

// Cleanup removes a downloaded file. Missing files and empty paths are fine.
func Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cleanup %s: %w", path, err)
	}
	return nil
}

// InitCacheDir creates dir and removes files left over from a previous run.
func InitCacheDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read cache dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := Cleanup(filepath.Join(dir, e.Name())); err != nil {
			logger.Warn("stale cache file not removed", logger.Component("fetcher"), logger.ErrorField(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("cache dir cleared", logger.Component("fetcher"), logger.Int("files", removed))
	}
	return nil
}
