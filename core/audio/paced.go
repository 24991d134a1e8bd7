package audio

import (
	"context"
	"time"

	"QueueFM/logger"
)

// durationReader is satisfied by Prober.
type durationReader interface {
	Duration(ctx context.Context, file string) (float64, error)
}

// PacedSink stands in for the pipeline when streaming is disabled: it holds
// each file for its probed length so the queue advances in real time.
type PacedSink struct {
	prober   durationReader
	fallback time.Duration
}

// NewPacedSink 创建无推流的占位播放器; unknown lengths use fallback.
func NewPacedSink(prober durationReader, fallback time.Duration) *PacedSink {
	return &PacedSink{prober: prober, fallback: fallback}
}

// Play waits for the file's length or until ctx is cancelled.
func (s *PacedSink) Play(ctx context.Context, file string) error {
	d := s.fallback
	if secs, err := s.prober.Duration(ctx, file); err == nil && secs > 0 {
		d = time.Duration(secs * float64(time.Second))
	} else if err != nil {
		logger.Debug("probe failed, using fallback length", logger.Component("sink"), logger.String("file", file), logger.ErrorField(err))
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
