package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fixedProber struct {
	secs float64
	err  error
}

func (p fixedProber) Duration(context.Context, string) (float64, error) {
	return p.secs, p.err
}

func TestPacedSink_WaitsForLength(t *testing.T) {
	s := NewPacedSink(fixedProber{secs: 0.05}, time.Hour)
	start := time.Now()
	assert.NoError(t, s.Play(context.Background(), "a.m4a"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPacedSink_FallbackAndCancel(t *testing.T) {
	s := NewPacedSink(fixedProber{err: errors.New("no ffprobe")}, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Play(ctx, "a.m4a"), context.DeadlineExceeded)
}
