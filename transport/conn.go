package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/gep/cipher"
	"github.com/luma/gep/internal/telemetry"
	"github.com/luma/gep/protocol"
	"github.com/luma/gep/signalindex"
	"github.com/luma/gep/storage"
)

var (
	ErrSlowSubscriber = errors.New("Subscriber write queue is full")
	ErrConnClosed     = errors.New("Connection is closed")
)

// TCPConn serves one subscriber. Commands are handled in order on the read
// loop, frames are written by the write loop, and the tick loop sends
// keepalives, throttled samples, retransmissions and scheduled key
// rotations.
type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	conn  net.Conn
	store storage.Store
	opts  Options

	queueMu    sync.RWMutex
	queueOpen  bool
	writeQueue chan protocol.Frame

	// wake nudges the tick loop when the processing interval changes.
	wake chan struct{}

	mu    sync.Mutex
	state subscriberState

	log *zap.Logger
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	opts Options,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	t := &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		store:      opts.Store,
		opts:       opts,
		queueOpen:  true,
		writeQueue: make(chan protocol.Frame, opts.WriteQueueSize),
		wake:       make(chan struct{}, 1),
		log:        log,
	}

	t.state = newSubscriberState(opts, cipher.NewManager(nil), signalindex.New())

	return t
}

func (t *TCPConn) Close() error {
	t.cancel()

	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})

	return err
}

// Start runs the connection until the subscriber leaves or the context is
// cancelled.
func (t *TCPConn) Start() {
	telemetry.Connections.WithLabelValues(telemetry.RolePublisher).Inc()
	defer telemetry.Connections.WithLabelValues(telemetry.RolePublisher).Dec()

	t.log.Info("Subscriber connected")

	t.loopWaiter.Add(3)

	go func() {
		defer t.loopWaiter.Done()
		// Either loop ending ends the connection.
		defer t.cancel()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		defer t.cancel()
		t.WriteLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.TickLoop()
	}()

	<-t.ctx.Done()

	if err := t.Close(); err != nil {
		t.log.Warn("Connection did not close cleanly", zap.Error(err))
	}

	t.loopWaiter.Wait()

	// Once the loops have exited, the writeQueue can no longer be used.
	t.queueMu.Lock()
	t.queueOpen = false
	close(t.writeQueue)
	t.queueMu.Unlock()

	t.log.Info("Subscriber disconnected")
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")

	defer func() {
		log.Debug("Read loop exited")
	}()

	for {
		f, err := protocol.ReadFrame(t.conn, t.opts.Limits)
		if err != nil {
			var ferr *protocol.FramingError
			switch {
			case errors.As(err, &ferr) && !ferr.Fatal():
				telemetry.Dropped(telemetry.ReasonUnknownFrame)
				log.Warn("Skipped frame with unknown code", zap.Error(err))
				continue

			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return

			case t.ctx.Err() != nil:
				return
			}

			log.Warn("Failed to read subscriber command", zap.Error(err))
			return
		}

		telemetry.Frame(telemetry.DirectionIn, f.Code.String())

		if !f.Code.IsCommand() {
			telemetry.Dropped(telemetry.ReasonUnsolicited)
			log.Info("Ignoring response sent to the publisher", zap.Stringer("code", f.Code))
			continue
		}

		t.dispatch(f)
	}
}

func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")

	defer func() {
		log.Debug("Write loop exited")
	}()

	for {
		select {
		case <-t.ctx.Done():
			return

		case f := <-t.writeQueue:
			if err := protocol.WriteFrame(t.conn, f); err != nil {
				if !errors.Is(err, net.ErrClosed) && !strings.Contains(err.Error(), "broken pipe") {
					log.Warn("Failed to write frame", zap.Stringer("code", f.Code), zap.Error(err))
				}
				return
			}

			telemetry.Frame(telemetry.DirectionOut, f.Code.String())

			// A rejected subscriber is disconnected once told why.
			if f.Code == protocol.Failed && f.InResponseTo() == protocol.Authenticate {
				return
			}
		}
	}
}

// TickLoop sends keepalives and anything driven by time rather than by a
// command.
func (t *TCPConn) TickLoop() {
	keepalive := time.NewTicker(t.opts.NoOPInterval)
	defer keepalive.Stop()

	retransmit := time.NewTicker(t.opts.BufferBlockRetransmit)
	defer retransmit.Stop()

	var rotate <-chan time.Time
	if t.opts.EncryptPayloads && t.opts.CipherRotationInterval > 0 {
		ticker := time.NewTicker(t.opts.CipherRotationInterval)
		defer ticker.Stop()
		rotate = ticker.C
	}

	for {
		var (
			flush <-chan time.Time
			timer *time.Timer
		)
		if interval := t.processingInterval(); interval > 0 {
			timer = time.NewTimer(interval)
			flush = timer.C
		}

		select {
		case <-t.ctx.Done():
			return

		case <-t.wake:

		case <-keepalive.C:
			if err := t.WriteFrame(protocol.NewResponse(protocol.NoOP, 0, nil)); err != nil {
				t.log.Debug("Skipped keepalive", zap.Error(err))
			}

		case <-flush:
			t.flushThrottled()

		case now := <-retransmit.C:
			t.retransmitBlocks(now)

		case <-rotate:
			if err := t.rotateKeys(); err != nil {
				t.log.Warn("Scheduled cipher key rotation failed", zap.Error(err))
			}
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// WriteFrame queues f for the write loop without blocking.
func (t *TCPConn) WriteFrame(f protocol.Frame) error {
	t.queueMu.RLock()
	defer t.queueMu.RUnlock()

	if !t.queueOpen || t.ctx.Err() != nil {
		return ErrConnClosed
	}

	select {
	case t.writeQueue <- f:
		return nil

	default:
		telemetry.Dropped(telemetry.ReasonSlowSubscriber)
		return ErrSlowSubscriber
	}
}

func (t *TCPConn) nudge() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}
