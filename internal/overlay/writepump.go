package overlay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var ErrWritePumpClosed = errors.New("overlay write pump closed")
var ErrWritePumpBackpressure = errors.New("overlay write pump backpressure")

const (
	defaultControlEnqueueTimeout = 2 * time.Second
	defaultDataEnqueueTimeout    = 500 * time.Millisecond
)

type writeRequest struct {
	messageType int
	payload     []byte
	done        chan error
}

func (r writeRequest) control() bool {
	return r.messageType == websocket.CloseMessage ||
		r.messageType == websocket.PingMessage ||
		r.messageType == websocket.PongMessage
}

// WritePump serializes websocket writes while prioritizing control frames
// ahead of data frames. A data write that cannot be queued in time closes
// the connection.
type WritePump struct {
	writeFn  func(writeRequest) error
	closeFn  func()
	control  lane
	data     lane
	stop     chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	stopOnce sync.Once
}

// lane is one priority queue with the time a writer may wait to enter it.
type lane struct {
	queue   chan writeRequest
	timeout time.Duration
}

func newLane(capacity int, timeout, fallback time.Duration) lane {
	if capacity <= 0 {
		capacity = 1
	}
	if timeout <= 0 {
		timeout = fallback
	}
	return lane{queue: make(chan writeRequest, capacity), timeout: timeout}
}

func NewWritePump(conn *websocket.Conn, writeTimeout time.Duration, highCap, lowCap int) *WritePump {
	return newWritePumpWithWriter(func(req writeRequest) error {
		if conn == nil {
			return ErrWritePumpClosed
		}
		deadline := time.Now().Add(writeTimeout)
		if req.control() {
			return conn.WriteControl(req.messageType, req.payload, deadline)
		}
		if err := conn.SetWriteDeadline(deadline); err != nil {
			_ = conn.Close()
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
		if err := conn.WriteMessage(req.messageType, req.payload); err != nil {
			_ = conn.Close()
			return err
		}
		return nil
	}, func() {
		if conn != nil {
			_ = conn.Close()
		}
	}, highCap, lowCap, defaultControlEnqueueTimeout, defaultDataEnqueueTimeout)
}

func newWritePumpWithWriter(
	writeFn func(writeRequest) error,
	closeFn func(),
	highCap, lowCap int,
	highTimeout, lowTimeout time.Duration,
) *WritePump {
	p := &WritePump{
		writeFn: writeFn,
		closeFn: closeFn,
		control: newLane(highCap, highTimeout, defaultControlEnqueueTimeout),
		data:    newLane(lowCap, lowTimeout, defaultDataEnqueueTimeout),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// WriteMessage queues a data frame and waits for it to be written. The
// payload must not be modified until WriteMessage returns.
func (p *WritePump) WriteMessage(messageType int, payload []byte) error {
	req := writeRequest{messageType: messageType, payload: payload, done: make(chan error, 1)}
	if req.control() {
		return p.enqueue(req, p.control)
	}
	return p.enqueue(req, p.data)
}

// WriteControl queues a control frame ahead of pending data frames.
func (p *WritePump) WriteControl(messageType int, payload []byte) error {
	return p.enqueue(writeRequest{messageType: messageType, payload: payload, done: make(chan error, 1)}, p.control)
}

func (p *WritePump) Close() {
	p.closed.Store(true)
	p.signalStop()
	<-p.done
}

func (p *WritePump) enqueue(req writeRequest, l lane) error {
	if p.closed.Load() {
		return ErrWritePumpClosed
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-p.stop:
		return ErrWritePumpClosed
	case l.queue <- req:
	case <-timer.C:
		p.triggerBackpressure()
		return ErrWritePumpBackpressure
	}

	select {
	case err := <-req.done:
		return err
	case <-p.done:
		// The pump may exit after the request was buffered but before it
		// was drained.
		select {
		case err := <-req.done:
			return err
		default:
			return ErrWritePumpClosed
		}
	}
}

func (p *WritePump) run() {
	defer close(p.done)

	for {
		req, ok := p.next()
		if !ok {
			p.failPending(ErrWritePumpClosed)
			return
		}
		err := p.write(req)
		req.done <- err
		if err != nil {
			p.closed.Store(true)
			p.signalStop()
			p.failPending(err)
			return
		}
		if p.closed.Load() {
			p.signalStop()
			p.failPending(ErrWritePumpClosed)
			return
		}
	}
}

func (p *WritePump) next() (writeRequest, bool) {
	select {
	case req := <-p.control.queue:
		return req, true
	default:
	}

	select {
	case <-p.stop:
		return writeRequest{}, false
	case req := <-p.control.queue:
		return req, true
	case req := <-p.data.queue:
		return req, true
	}
}

func (p *WritePump) write(req writeRequest) error {
	if p.writeFn == nil {
		return io.ErrClosedPipe
	}
	return p.writeFn(req)
}

func (p *WritePump) failPending(err error) {
	for {
		select {
		case req := <-p.control.queue:
			req.done <- err
		case req := <-p.data.queue:
			req.done <- err
		default:
			return
		}
	}
}

func (p *WritePump) signalStop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

func (p *WritePump) triggerBackpressure() {
	if p.closed.Swap(true) {
		return
	}
	if p.closeFn != nil {
		p.closeFn()
	}
	p.signalStop()
}
