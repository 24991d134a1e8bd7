package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/lrstanley/go-ytdlp"
)

// Extractor is the external media extractor. The production implementation
// shells out to yt-dlp; tests substitute a fake.
type Extractor interface {
	// Print resolves a single url and prints template, without downloading.
	Print(ctx context.Context, url, template string) (string, error)
	// FlatSearch lists search results for a "ytsearchN:" style query.
	FlatSearch(ctx context.Context, query string, limit int, template string) (string, error)
	// Download fetches the best audio stream using the output template.
	Download(ctx context.Context, url, output string) error
}

// Ytdlp runs the yt-dlp binary through go-ytdlp.
type Ytdlp struct {
	// Executable overrides the binary looked up on PATH.
	Executable string
}

func (y *Ytdlp) command() *ytdlp.Command {
	cmd := ytdlp.New().
		NoWarnings().
		IgnoreConfig()
	if y.Executable != "" {
		cmd.SetExecutable(y.Executable)
	}
	return cmd
}

func (y *Ytdlp) Print(ctx context.Context, url, template string) (string, error) {
	res, err := y.command().
		Print(template).
		NoPlaylist().
		Run(ctx, url)
	if err != nil {
		return "", runError(res, err)
	}
	return res.Stdout, nil
}

func (y *Ytdlp) FlatSearch(ctx context.Context, query string, limit int, template string) (string, error) {
	res, err := y.command().
		FlatPlaylist().
		Print(template).
		PlaylistItems(fmt.Sprintf("1-%d", limit)).
		Run(ctx, query)
	if err != nil {
		return "", runError(res, err)
	}
	return res.Stdout, nil
}

func (y *Ytdlp) Download(ctx context.Context, url, output string) error {
	res, err := y.command().
		Format("bestaudio/best").
		NoPlaylist().
		Output(output).
		Run(ctx, url)
	if err != nil {
		return runError(res, err)
	}
	return nil
}

// runError attaches the last stderr line, which is where yt-dlp reports the cause.
func runError(res *ytdlp.Result, err error) error {
	if res == nil {
		return err
	}
	lines := strings.Split(strings.TrimSpace(res.Stderr), "\n")
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return fmt.Errorf("%w: %s", err, last)
	}
	return err
}
