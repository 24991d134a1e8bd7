// Package source turns user supplied links into playable media: it
// recognizes supported sites, fetches metadata, downloads audio and searches.
package source

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrUnsupportedSource is returned for links that match no known site.
	ErrUnsupportedSource = errors.New("unsupported source url")
	// ErrMetadataUnavailable marks a metadata lookup that produced nothing.
	ErrMetadataUnavailable = errors.New("metadata unavailable")
	// ErrDownloadFailed matches every *DownloadError.
	ErrDownloadFailed = errors.New("download failed")
)

var youtubePatterns = []*regexp.Regexp{
	regexp.MustCompile(`youtube\.com/watch\?.*v=([\w-]{11})`),
	regexp.MustCompile(`youtu\.be/([\w-]{11})`),
	regexp.MustCompile(`youtube\.com/shorts/([\w-]{11})`),
	regexp.MustCompile(`youtube\.com/embed/([\w-]{11})`),
}

var soundcloudPattern = regexp.MustCompile(`soundcloud\.com/([\w-]+)/([\w-]+)`)

// YouTubeID returns the 11 character video id or "".
// music.youtube.com links are covered by the watch pattern.
func YouTubeID(url string) string {
	for _, p := range youtubePatterns {
		if m := p.FindStringSubmatch(url); m != nil {
			return m[1]
		}
	}
	return ""
}

// ExtractSourceID returns the stable id of a supported link, "" otherwise.
// SoundCloud ids are "sc-<user>-<track>".
func ExtractSourceID(url string) string {
	if id := YouTubeID(url); id != "" {
		return id
	}
	if m := soundcloudPattern.FindStringSubmatch(url); m != nil {
		return fmt.Sprintf("sc-%s-%s", m[1], m[2])
	}
	return ""
}

// Validate reports ErrUnsupportedSource for unrecognized links.
func Validate(url string) error {
	if ExtractSourceID(strings.TrimSpace(url)) == "" {
		return ErrUnsupportedSource
	}
	return nil
}

// IsSoundCloud reports whether the source id came from SoundCloud.
func IsSoundCloud(sourceID string) bool {
	return strings.HasPrefix(sourceID, "sc-")
}

// Thumbnail is the derived YouTube thumbnail for a video id.
func Thumbnail(youtubeID string) string {
	return "https://img.youtube.com/vi/" + youtubeID + "/mqdefault.jpg"
}

// WatchURL is the canonical YouTube link for a video id.
func WatchURL(youtubeID string) string {
	return "https://www.youtube.com/watch?v=" + youtubeID
}

// DownloadError describes why a media download produced no file.
type DownloadError struct {
	SourceID string
	Reason   string
	Err      error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s: %s: %v", e.SourceID, e.Reason, e.Err)
	}
	return fmt.Sprintf("download %s: %s", e.SourceID, e.Reason)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDownloadFailed) hold for every DownloadError.
func (e *DownloadError) Is(target error) bool {
	return target == ErrDownloadFailed
}
