package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"QueueFM/config"

	"github.com/go-resty/resty/v2"
)

const statusTimeout = 5 * time.Second

// Origin talks to the Icecast server the encoder publishes to.
type Origin struct {
	mount  string
	client *resty.Client
	status *resty.Client
}

// NewOrigin 创建 Icecast 客户端
func NewOrigin(ic config.IcecastConfig) *Origin {
	base := fmt.Sprintf("http://%s:%d", ic.Host, ic.Port)
	return newOrigin(base, ic.Mount)
}

func newOrigin(baseURL, mount string) *Origin {
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	return &Origin{
		mount:  mount,
		client: resty.New().SetBaseURL(baseURL),
		status: resty.New().SetBaseURL(baseURL).SetTimeout(statusTimeout),
	}
}

// Listen opens the mount. The caller must close the body.
func (o *Origin) Listen(ctx context.Context) (io.ReadCloser, string, error) {
	resp, err := o.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(o.mount)
	if err != nil {
		return nil, "", fmt.Errorf("connect to origin: %w", err)
	}
	body := resp.RawBody()
	if !resp.IsSuccess() {
		body.Close()
		return nil, "", fmt.Errorf("origin returned status %d", resp.StatusCode())
	}
	ct := resp.Header().Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	return body, ct, nil
}

// MountStatus is the part of Icecast's status-json we report.
type MountStatus struct {
	Mount     string `json:"mount"`
	Online    bool   `json:"online"`
	Listeners int    `json:"listeners"`
	Title     string `json:"title,omitempty"`
	Bitrate   int    `json:"bitrate,omitempty"`
}

type icecastSource struct {
	ListenURL string      `json:"listenurl"`
	Listeners int         `json:"listeners"`
	Title     string      `json:"title"`
	Bitrate   interface{} `json:"bitrate"` // number or string
}

// Status reads /status-json.xsl and picks our mount.
func (o *Origin) Status(ctx context.Context) (*MountStatus, error) {
	resp, err := o.status.R().SetContext(ctx).Get("/status-json.xsl")
	if err != nil {
		return nil, fmt.Errorf("fetch origin status: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("origin status returned %d", resp.StatusCode())
	}
	return parseStatus(resp.Body(), o.mount)
}

// parseStatus handles Icecast's habit of sending a single source as an
// object and several as an array.
func parseStatus(body []byte, mount string) (*MountStatus, error) {
	var doc struct {
		Icestats struct {
			Source json.RawMessage `json:"source"`
		} `json:"icestats"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse origin status: %w", err)
	}

	var sources []icecastSource
	raw := doc.Icestats.Source
	switch {
	case len(raw) == 0 || string(raw) == "null":
	case raw[0] == '[':
		if err := json.Unmarshal(raw, &sources); err != nil {
			return nil, fmt.Errorf("parse origin sources: %w", err)
		}
	default:
		var one icecastSource
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("parse origin source: %w", err)
		}
		sources = append(sources, one)
	}

	st := &MountStatus{Mount: mount}
	for _, src := range sources {
		if !strings.HasSuffix(src.ListenURL, mount) {
			continue
		}
		st.Online = true
		st.Listeners = src.Listeners
		st.Title = src.Title
		switch b := src.Bitrate.(type) {
		case float64:
			st.Bitrate = int(b)
		case string:
			st.Bitrate, _ = strconv.Atoi(b)
		}
		break
	}
	return st, nil
}
