package source

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type fakeExtractor struct {
	mu         sync.Mutex
	printOut   string
	printErr   error
	printDelay time.Duration
	prints     atomic.Int32

	searchOut   string
	searchErr   error
	searchQuery string

	// downloadFiles are created from the output template, in order
	downloadExts []string
	downloadErr  error
	downloads    atomic.Int32
}

func (f *fakeExtractor) Print(ctx context.Context, url, template string) (string, error) {
	f.prints.Add(1)
	if f.printDelay > 0 {
		select {
		case <-time.After(f.printDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.printOut, f.printErr
}

func (f *fakeExtractor) FlatSearch(ctx context.Context, query string, limit int, template string) (string, error) {
	f.mu.Lock()
	f.searchQuery = query
	f.mu.Unlock()
	return f.searchOut, f.searchErr
}

func (f *fakeExtractor) Download(ctx context.Context, url, output string) error {
	f.downloads.Add(1)
	if f.downloadErr != nil {
		return f.downloadErr
	}
	for _, ext := range f.downloadExts {
		name := strings.ReplaceAll(output, "%(title).80s", "Some Song")
		name = strings.ReplaceAll(name, "%(ext)s", ext)
		if err := os.WriteFile(name, []byte("audio"), 0644); err != nil {
			return err
		}
	}
	return nil
}
