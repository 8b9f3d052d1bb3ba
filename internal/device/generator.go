package device

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"strconv"

	"golang.org/x/time/rate"
)

const defaultBatchRows = 16

// generator produces synthetic device rows: channel_count comma-separated
// integers per CRLF-terminated line.
type generator struct {
	channels int
	rng      *rand.Rand
	limiter  *rate.Limiter
	batch    int
}

func newGenerator(channels, sampleRate int, seed int64) *generator {
	if channels <= 0 {
		channels = 14
	}
	batch := defaultBatchRows
	limiter := rate.NewLimiter(rate.Inf, batch)
	if sampleRate > 0 {
		if sampleRate < batch {
			batch = sampleRate
		}
		limiter = rate.NewLimiter(rate.Limit(sampleRate), batch)
	}
	return &generator{
		channels: channels,
		rng:      rand.New(rand.NewSource(seed)),
		limiter:  limiter,
		batch:    batch,
	}
}

func (g *generator) render(dst []byte, rows int) []byte {
	for r := 0; r < rows; r++ {
		for c := 0; c < g.channels; c++ {
			if c > 0 {
				dst = append(dst, ',')
			}
			dst = strconv.AppendInt(dst, int64(g.rng.Intn(10)), 10)
		}
		dst = append(dst, '\r', '\n')
	}
	return dst
}

func (g *generator) stream(ctx context.Context, w io.Writer, running func() bool, logger *slog.Logger) error {
	buf := make([]byte, 0, g.batch*g.channels*2+2)
	for running() {
		if err := g.limiter.WaitN(ctx, g.batch); err != nil {
			return nil
		}
		buf = g.render(buf[:0], g.batch)
		if _, err := w.Write(buf); err != nil {
			logger.Info("mock device socket closed", "error", err)
			return nil
		}
	}
	return nil
}
