package source

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"QueueFM/logger"
	"QueueFM/metrics"

	"golang.org/x/sync/singleflight"
)

const infoTemplate = "%(title)s\n%(duration)s\n%(thumbnail)s"

// Info is best-effort metadata; every field may be nil.
type Info struct {
	Title           *string
	DurationSeconds *int
	Thumbnail       *string
}

// Empty reports whether nothing could be resolved.
func (i Info) Empty() bool {
	return i.Title == nil && i.DurationSeconds == nil && i.Thumbnail == nil
}

// Resolver looks up metadata and runs searches.
type Resolver struct {
	ext           Extractor
	timeout       time.Duration
	searchTimeout time.Duration
	backends      map[string]SearchBackend
	group         singleflight.Group
}

// NewResolver 创建元数据解析器
func NewResolver(ext Extractor, metadataTimeout, searchTimeout time.Duration) *Resolver {
	r := &Resolver{
		ext:           ext,
		timeout:       metadataTimeout,
		searchTimeout: searchTimeout,
	}
	r.backends = map[string]SearchBackend{
		SearchYtdlp:   &ytdlpSearch{ext: ext},
		SearchYouTube: &youtubeSearch{},
		SearchYTMusic: &ytmusicSearch{},
	}
	return r
}

// RegisterBackend replaces or adds a search source.
func (r *Resolver) RegisterBackend(name string, b SearchBackend) {
	r.backends[name] = b
}

// FetchInfo never fails: any error yields an empty Info. Concurrent lookups
// of the same url share one extractor run.
func (r *Resolver) FetchInfo(ctx context.Context, url string) Info {
	v, err, _ := r.group.Do(url, func() (interface{}, error) {
		// detached so one caller giving up does not fail the others
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		out, err := r.ext.Print(runCtx, url, infoTemplate)
		if err != nil {
			return Info{}, err
		}
		return parseInfo(out), nil
	})
	if err != nil {
		metrics.TrackFailures.WithLabelValues(metrics.StageMetadata).Inc()
		logger.Warn("metadata lookup failed",
			logger.Component("resolver"),
			logger.String("url", url),
			logger.ErrorField(err))
		return Info{}
	}
	return v.(Info)
}

func parseInfo(out string) Info {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	field := func(i int) string {
		if i >= len(lines) {
			return ""
		}
		s := strings.TrimSpace(lines[i])
		if s == "NA" {
			return ""
		}
		return s
	}

	var info Info
	if t := field(0); t != "" {
		info.Title = &t
	}
	if d, ok := parseSeconds(field(1)); ok {
		info.DurationSeconds = &d
	}
	if th := field(2); th != "" {
		info.Thumbnail = &th
	}
	return info
}

// parseSeconds accepts yt-dlp's "213" or "213.4".
func parseSeconds(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return int(math.Round(f)), true
}
