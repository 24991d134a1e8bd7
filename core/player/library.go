package player

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"QueueFM/logger"

	"github.com/fsnotify/fsnotify"
)

var audioExtensions = map[string]bool{
	".mp3": true, ".m4a": true, ".aac": true, ".ogg": true, ".opus": true,
	".flac": true, ".wav": true, ".webm": true,
}

// DurationProber reads the length of a local audio file in seconds.
type DurationProber interface {
	Duration(ctx context.Context, file string) (float64, error)
}

// Library is the fallback music directory played while the queue is empty.
type Library struct {
	dir    string
	prober DurationProber

	mu    sync.RWMutex
	files []string
	last  string
	rng   *rand.Rand
}

// NewLibrary 创建备用曲库; prober may be nil.
func NewLibrary(dir string, prober DurationProber) *Library {
	seed := uint64(time.Now().UnixNano())
	return &Library{
		dir:    dir,
		prober: prober,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

func (l *Library) Dir() string {
	return l.dir
}

// Scan re-reads the directory tree.
func (l *Library) Scan() error {
	var files []string
	err := filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if audioExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan library %s: %w", l.dir, err)
	}
	slices.Sort(files)

	l.mu.Lock()
	l.files = files
	l.mu.Unlock()

	logger.Info("fallback library scanned", logger.Component("library"), logger.Int("files", len(files)))
	return nil
}

func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.files)
}

// Files returns a copy of the scanned paths.
func (l *Library) Files() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.files)
}

// Pick returns a pseudo-random file, avoiding an immediate repeat when
// more than one file exists. It returns "" for an empty library.
func (l *Library) Pick() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch len(l.files) {
	case 0:
		return ""
	case 1:
		l.last = l.files[0]
		return l.last
	}
	for {
		f := l.files[l.rng.IntN(len(l.files))]
		if f != l.last {
			l.last = f
			return f
		}
	}
}

// Duration probes file, rounding to whole seconds. Failures yield nil.
func (l *Library) Duration(ctx context.Context, file string) *int {
	if l.prober == nil {
		return nil
	}
	secs, err := l.prober.Duration(ctx, file)
	if err != nil {
		logger.Warn("probe failed", logger.Component("library"), logger.String("file", file), logger.ErrorField(err))
		return nil
	}
	d := int(math.Round(secs))
	return &d
}

// Title derives a display name from the file name.
func Title(file string) string {
	return strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
}

// Watch rescans the library when files change, until ctx is done.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch library: %w", err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		rescan := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					select {
					case rescan <- struct{}{}:
					default:
					}
				})
			case <-rescan:
				if err := l.Scan(); err != nil {
					logger.Warn("library rescan failed", logger.Component("library"), logger.ErrorField(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("library watcher error", logger.Component("library"), logger.ErrorField(err))
			}
		}
	}()
	return nil
}
