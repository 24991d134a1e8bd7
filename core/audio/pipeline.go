package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"QueueFM/logger"
)

// ErrDecodeFailed means the decoder exited with an error.
var ErrDecodeFailed = errors.New("decode failed")

// copyBufferSize bounds how much PCM sits between decoder and encoder.
const copyBufferSize = 64 * 1024

// DecoderArgs decodes file in real time to raw PCM on stdout.
func DecoderArgs(file string) []string {
	return []string{
		"-hide_banner",
		"-re",
		"-i", file,
		"-vn",
		"-f", pcmFormat,
		"-ar", sampleRate,
		"-ac", channels,
		"pipe:1",
	}
}

// Pipeline plays one file at a time into the shared encoder.
type Pipeline struct {
	enc         *Encoder
	decoderPath string
	decoderArgs func(file string) []string
	grace       time.Duration
}

// NewPipeline 创建解码管道
func NewPipeline(enc *Encoder, ffmpegPath string) *Pipeline {
	return &Pipeline{
		enc:         enc,
		decoderPath: ffmpegPath,
		decoderArgs: DecoderArgs,
		grace:       DefaultGrace,
	}
}

// Encoder exposes the shared encoder.
func (p *Pipeline) Encoder() *Encoder {
	return p.enc
}

// encoderWriter remembers write failures so they are not mistaken for
// decoder read errors.
type encoderWriter struct {
	w   io.Writer
	err error
}

func (ew *encoderWriter) Write(b []byte) (int, error) {
	n, err := ew.w.Write(b)
	if err != nil {
		ew.err = err
	}
	return n, err
}

// Play decodes file into the encoder and blocks until the track ends.
// Cancelling ctx stops only the decoder and returns ctx.Err().
func (p *Pipeline) Play(ctx context.Context, file string) error {
	enc, err := p.enc.Ensure()
	if err != nil {
		return err
	}

	dec, err := StartProcess("decoder", p.decoderPath, p.decoderArgs(file), ProcessOptions{Stdout: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	ew := &encoderWriter{w: enc.Stdin()}
	copied := make(chan error, 1)
	go func() {
		buf := make([]byte, copyBufferSize)
		_, err := io.CopyBuffer(ew, dec.Stdout(), buf)
		copied <- err
	}()

	select {
	case <-ctx.Done():
		dec.Terminate(p.grace)
		p.drain(copied)
		return ctx.Err()

	case <-enc.Done():
		dec.Terminate(p.grace)
		p.drain(copied)
		return fmt.Errorf("%w: encoder exited: %s", ErrEncoderUnavailable, enc.Stderr())

	case <-copied:
		if ew.err != nil {
			dec.Terminate(p.grace)
			return fmt.Errorf("%w: %v", ErrEncoderUnavailable, ew.err)
		}
		werr := dec.Wait()
		if ExitedCleanly(werr) {
			return nil
		}
		logger.Warn("decoder failed",
			logger.Component("pipeline"),
			logger.String("file", file),
			logger.ErrorField(werr),
			logger.String("stderr", dec.Stderr()))
		return fmt.Errorf("%w: %v: %s", ErrDecodeFailed, werr, dec.Stderr())
	}
}

// drain waits for the copy goroutine after the decoder was stopped. A copy
// stuck writing means the encoder stopped reading, so it is restarted.
func (p *Pipeline) drain(copied <-chan error) {
	select {
	case <-copied:
	case <-time.After(p.grace):
		logger.Warn("encoder not accepting input, restarting", logger.Component("pipeline"))
		p.enc.Restart()
		<-copied
	}
}
