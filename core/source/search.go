package source

import (
	"context"
	"fmt"
	"strings"

	"QueueFM/logger"
	"QueueFM/model"

	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// Search source names accepted by Resolver.Search.
const (
	SearchYtdlp   = "ytdlp"
	SearchYouTube = "youtube"
	SearchYTMusic = "ytmusic"
)

// DefaultSearchLimit is used when the caller passes a non-positive limit.
const DefaultSearchLimit = 6

// SearchBackend is one search provider.
type SearchBackend interface {
	Search(ctx context.Context, query string, limit int) ([]model.SearchResult, error)
}

// Search runs query against the named source (ytdlp when empty or unknown).
// Short queries and failures yield an empty list.
func (r *Resolver) Search(ctx context.Context, query, source string, limit int) []model.SearchResult {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < 2 {
		return []model.SearchResult{}
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	b, ok := r.backends[source]
	if !ok {
		source = SearchYtdlp
		b = r.backends[source]
	}

	ctx, cancel := context.WithTimeout(ctx, r.searchTimeout)
	defer cancel()

	results, err := b.Search(ctx, query, limit)
	if err != nil {
		logger.Warn("search failed",
			logger.Component("resolver"),
			logger.String("source", source),
			logger.String("query", query),
			logger.ErrorField(err))
		return []model.SearchResult{}
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

const searchTemplate = "%(id)s\t%(title)s\t%(duration)s\t%(channel,uploader)s"

type ytdlpSearch struct {
	ext Extractor
}

func (s *ytdlpSearch) Search(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	out, err := s.ext.FlatSearch(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query), limit, searchTemplate)
	if err != nil {
		return nil, err
	}
	var results []model.SearchResult
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, "\t")
		if len(parts) < 4 || parts[0] == "" {
			continue
		}
		r := model.SearchResult{
			ID:        parts[0],
			Title:     naDefault(parts[1], "Unknown"),
			URL:       WatchURL(parts[0]),
			Thumbnail: Thumbnail(parts[0]),
			Channel:   naDefault(parts[3], ""),
		}
		if d, ok := parseSeconds(naDefault(parts[2], "")); ok {
			r.DurationSeconds = &d
		}
		results = append(results, r)
	}
	return results, nil
}

func naDefault(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" || s == "NA" {
		return fallback
	}
	return s
}

type youtubeSearch struct{}

func (s *youtubeSearch) Search(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	res, err := ytsearch.NewClient(nil).Search(ctx, query)
	if err != nil {
		return nil, err
	}
	var results []model.SearchResult
	for _, v := range res.Results {
		if v.VideoID == "" {
			continue
		}
		r := model.SearchResult{
			ID:        v.VideoID,
			Title:     v.Title,
			URL:       WatchURL(v.VideoID),
			Thumbnail: Thumbnail(v.VideoID),
			Channel:   v.Channel,
		}
		if d, ok := parseClock(v.Duration); ok {
			r.DurationSeconds = &d
		}
		results = append(results, r)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// parseClock parses "3:20" or "1:05:20".
func parseClock(s string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(p, "%d", &n); err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

type ytmusicSearch struct{}

func (s *ytmusicSearch) Search(ctx context.Context, query string, limit int) ([]model.SearchResult, error) {
	type outcome struct {
		results []model.SearchResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := ytmusic.TrackSearch(query).Next()
		if err != nil {
			done <- outcome{err: err}
			return
		}
		var results []model.SearchResult
		for _, t := range res.Tracks {
			if t.VideoID == "" {
				continue
			}
			r := model.SearchResult{
				ID:        t.VideoID,
				Title:     t.Title,
				URL:       "https://music.youtube.com/watch?v=" + t.VideoID,
				Thumbnail: Thumbnail(t.VideoID),
			}
			if len(t.Artists) > 0 {
				r.Channel = t.Artists[0].Name
			}
			if t.Duration > 0 {
				d := t.Duration
				r.DurationSeconds = &d
			}
			if len(t.Thumbnails) > 0 {
				r.Thumbnail = t.Thumbnails[len(t.Thumbnails)-1].URL
			}
			results = append(results, r)
			if len(results) == limit {
				break
			}
		}
		done <- outcome{results: results}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.results, o.err
	}
}
