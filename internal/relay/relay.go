package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultReadBufferSize = 32 * 1024

// LocalSocket is the tunnel side of a TCP flow. Write hands bytes to the
// tunnel stack, which later confirms them through [Relay.DidWriteData].
type LocalSocket interface {
	Write(p []byte) (int, error)
	Close() error
}

// Options tunes a relay.
type Options struct {
	HighWater  int
	LowWater   int
	BufferSize int
	Logger     *slog.Logger
}

// Relay binds one local socket to one overlay transport. Closing either side
// closes the other.
type Relay struct {
	id      string
	local   LocalSocket
	overlay io.ReadWriteCloser
	reg     *Regulator
	bufSize int
	log     *slog.Logger

	writeMu sync.Mutex

	// mu guards the pump lifecycle fields below.
	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

func New(local LocalSocket, overlay io.ReadWriteCloser, opts Options) *Relay {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultReadBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Relay{
		id:      id,
		local:   local,
		overlay: overlay,
		reg:     NewRegulator(opts.HighWater, opts.LowWater),
		bufSize: opts.BufferSize,
		log:     logger.With("flow_id", id),
	}
}

func (r *Relay) ID() string { return r.id }

func (r *Relay) Regulator() *Regulator { return r.reg }

// Start launches the overlay-to-local pump. It returns immediately. Only
// the first call on an open relay has an effect.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.group, _ = errgroup.WithContext(ctx)
	r.group.Go(func() error { return r.pump(ctx) })
	r.log.Debug("relay started")
}

// Wait blocks until the pump exits and returns its error, if any.
func (r *Relay) Wait() error {
	r.mu.Lock()
	g := r.group
	r.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

func (r *Relay) pump(ctx context.Context) error {
	defer func() { _ = r.Close() }()
	buf := make([]byte, r.bufSize)
	for {
		if err := r.reg.Wait(ctx); err != nil {
			return nil
		}
		n, err := r.overlay.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			r.reg.AddPending(n)
			if _, werr := r.local.Write(data); werr != nil {
				r.reg.DecPending(n)
				r.log.Debug("local write failed", "err", werr)
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			r.log.Debug("overlay read failed", "err", err)
			return err
		}
	}
}

// DidReadData forwards bytes read from the local socket to the overlay.
func (r *Relay) DidReadData(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	r.writeMu.Lock()
	_, err := r.overlay.Write(p)
	r.writeMu.Unlock()
	if err != nil {
		r.log.Debug("overlay write failed", "err", err)
		_ = r.Close()
	}
	return err
}

// DidWriteData confirms n bytes were written back to the tunnel.
func (r *Relay) DidWriteData(n int) {
	r.reg.DecPending(n)
}

func (r *Relay) LocalClosed() { r.terminal("closed") }

func (r *Relay) LocalReset() { r.terminal("reset") }

func (r *Relay) LocalAborted() { r.terminal("aborted") }

func (r *Relay) terminal(event string) {
	r.log.Debug("local socket terminal event, closing overlay", "event", event)
	_ = r.Close()
}

// Close tears down both sides. It is safe to call more than once.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		overlayErr := r.overlay.Close()
		localErr := r.local.Close()
		r.closeErr = errors.Join(overlayErr, localErr)
		r.log.Debug("relay closed")
	})
	return r.closeErr
}
