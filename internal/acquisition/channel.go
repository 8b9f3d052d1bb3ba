package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"eegrun/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrDeviceUnreachable = errors.New("device unreachable")
	ErrLinkLost          = errors.New("device link lost")
	ErrLinkDegraded      = errors.New("device link degraded")
)

const (
	defaultBufferSize = 1024
	handshakePrefix   = "Sec-WebSocket-Key: "
	sessionKeyLength  = 20
)

type Options struct {
	Addr        string
	BufferSize  int
	ReadPause   time.Duration
	ReadTimeout time.Duration
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Channel owns the TCP link to the device endpoint.
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	key  string
}

func NewChannel(opts Options) *Channel {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		opts:   opts,
		logger: logger.With("component", "acquisition", "addr", opts.Addr),
	}
}

// Open dials the device and writes the one-shot session key handshake.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return fmt.Errorf("channel already open: %s", c.opts.Addr)
	}

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrDeviceUnreachable, c.opts.Addr, err)
	}

	key := newSessionKey()
	if _, err := conn.Write([]byte(handshakePrefix + key)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: handshake %s: %v", ErrDeviceUnreachable, c.opts.Addr, err)
	}
	c.conn = conn
	c.key = key
	c.logger.Info("device link open", "session_key", key)
	return nil
}

func (c *Channel) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// ReadWindow blocks until totalSamples integers have arrived and returns
// them as rows of channelCount values. Anything received past
// totalSamples is discarded.
func (c *Channel) ReadWindow(ctx context.Context, totalSamples, channelCount int) ([][]int, error) {
	if channelCount <= 0 || totalSamples <= 0 || totalSamples%channelCount != 0 {
		return nil, fmt.Errorf("invalid window geometry: total_samples=%d channel_count=%d", totalSamples, channelCount)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: channel is not open", ErrLinkDegraded)
	}

	started := time.Now()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	limiter := newReadLimiter(c.opts.ReadPause)
	parser := &sampleParser{values: make([]int, 0, totalSamples)}
	buf := make([]byte, c.opts.BufferSize)
	for len(parser.values) < totalSamples {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if c.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			parser.feed(buf[:n])
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if len(parser.values) >= totalSamples {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				c.logger.Info("window read ended by local close", "received", len(parser.values))
				return nil, fmt.Errorf("%w: %v", ErrLinkDegraded, err)
			}
			classified := classifyReadError(err)
			c.logger.Warn("window read failed", "received", len(parser.values), "want", totalSamples, "error", classified)
			return nil, classified
		}
	}
	metrics.WindowReadSeconds.Observe(time.Since(started).Seconds())

	return chunkRows(parser.values[:totalSamples], channelCount), nil
}

// Close releases the socket. Safe to call repeatedly or before Open.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.logger.Info("device link closed")
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func classifyReadError(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		metrics.LinkFailuresTotal.WithLabelValues("lost").Inc()
		return fmt.Errorf("%w: %v", ErrLinkLost, err)
	default:
		metrics.LinkFailuresTotal.WithLabelValues("degraded").Inc()
		return fmt.Errorf("%w: %v", ErrLinkDegraded, err)
	}
}

func newReadLimiter(pause time.Duration) *rate.Limiter {
	if pause <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(pause), 1)
}

func newSessionKey() string {
	hex := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return hex[:sessionKeyLength]
}

func chunkRows(values []int, width int) [][]int {
	rows := make([][]int, 0, len(values)/width)
	for i := 0; i+width <= len(values); i += width {
		row := make([]int, width)
		copy(row, values[i:i+width])
		rows = append(rows, row)
	}
	return rows
}
