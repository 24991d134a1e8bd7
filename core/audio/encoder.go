package audio

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"QueueFM/config"
	"QueueFM/logger"
	"QueueFM/metrics"
)

// ErrEncoderUnavailable means the encoder could not be started or died
// while a track was being fed into it.
var ErrEncoderUnavailable = errors.New("encoder unavailable")

// PCM format shared by decoder output and encoder input.
const (
	sampleRate = "44100"
	channels   = "2"
	pcmFormat  = "s16le"
)

// IcecastURL builds the source URL ffmpeg publishes to.
func IcecastURL(ic config.IcecastConfig) string {
	u := url.URL{
		Scheme: "icecast",
		User:   url.UserPassword("source", ic.Password),
		Host:   ic.Host + ":" + strconv.Itoa(ic.Port),
		Path:   ic.Mount,
	}
	return u.String()
}

// EncoderArgs reads raw PCM on stdin and publishes MP3 to target.
func EncoderArgs(bitrate, target string) []string {
	return []string{
		"-hide_banner",
		"-f", pcmFormat,
		"-ar", sampleRate,
		"-ac", channels,
		"-i", "pipe:0",
		"-acodec", "libmp3lame",
		"-b:a", bitrate,
		"-f", "mp3",
		"-content_type", "audio/mpeg",
		target,
	}
}

// Encoder keeps one encoder process alive across tracks. A dead encoder is
// restarted lazily on the next Ensure.
type Encoder struct {
	path string
	args []string

	mu     sync.Mutex
	proc   *Process
	starts int
	closed bool

	// onState is told when the encoder comes up or goes away.
	onState func(online bool)
}

// NewEncoder 创建编码器; onState may be nil.
func NewEncoder(path string, args []string, onState func(online bool)) *Encoder {
	return &Encoder{path: path, args: args, onState: onState}
}

// NewIcecastEncoder builds the ffmpeg encoder for the configured origin.
func NewIcecastEncoder(cfg *config.Config, onState func(online bool)) *Encoder {
	return NewEncoder(cfg.FFmpegPath, EncoderArgs(cfg.AudioBitrate, IcecastURL(cfg.Icecast)), onState)
}

// Ensure returns the running encoder, starting a new one if needed.
func (e *Encoder) Ensure() (*Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, fmt.Errorf("%w: closed", ErrEncoderUnavailable)
	}
	if e.proc != nil && e.proc.Alive() {
		return e.proc, nil
	}

	proc, err := StartProcess("encoder", e.path, e.args, ProcessOptions{Stdin: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoderUnavailable, err)
	}
	if e.starts > 0 {
		metrics.EncoderRestarts.Inc()
	}
	e.starts++
	e.proc = proc
	logger.Info("encoder started", logger.Component("encoder"), logger.Int("starts", e.starts))

	e.setState(true)
	go e.watch(proc)
	return proc, nil
}

func (e *Encoder) watch(proc *Process) {
	<-proc.Done()
	err := proc.Wait()

	e.mu.Lock()
	current, closed := e.proc == proc, e.closed
	e.mu.Unlock()
	if !current {
		return
	}
	if closed {
		logger.Info("encoder stopped", logger.Component("encoder"))
		e.setState(false)
		return
	}

	logger.Warn("encoder exited",
		logger.Component("encoder"),
		logger.ErrorField(err),
		logger.String("stderr", proc.Stderr()))
	e.setState(false)
}

func (e *Encoder) setState(online bool) {
	if online {
		metrics.StreamOnline.Set(1)
	} else {
		metrics.StreamOnline.Set(0)
	}
	if e.onState != nil {
		e.onState(online)
	}
}

// Online reports whether an encoder process is running.
func (e *Encoder) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc != nil && e.proc.Alive()
}

// Starts returns how many times a process was launched.
func (e *Encoder) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

// Restart terminates a wedged encoder; the next Ensure starts a fresh one.
func (e *Encoder) Restart() {
	e.mu.Lock()
	proc := e.proc
	e.mu.Unlock()
	if proc != nil {
		proc.Terminate(DefaultGrace)
	}
}

// Close ends the stream: stdin is closed so ffmpeg can flush, then the
// process is terminated.
func (e *Encoder) Close() {
	e.mu.Lock()
	e.closed = true
	proc := e.proc
	e.mu.Unlock()

	if proc == nil {
		return
	}
	_ = proc.Stdin().Close()
	select {
	case <-proc.Done():
	case <-time.After(DefaultGrace):
		proc.Terminate(DefaultGrace)
	}
}
