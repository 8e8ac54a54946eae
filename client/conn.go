package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/gep/cipher"
	"github.com/luma/gep/internal/telemetry"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
	"github.com/luma/gep/session"
)

var (
	ErrNotConnected     = errors.New("Not connected")
	ErrWriteQueueFull   = errors.New("Write queue is full")
	ErrInactive         = errors.New("Publisher has been silent for longer than the inactivity timeout")
	ErrAlreadyConnected = errors.New("Already connected")
)

// Update is a sample delivered on UpdateChan.
type Update struct {
	Key       measurement.Key
	Timestamp time.Time
	Value     float64
	Quality   measurement.Quality
}

type inbound struct {
	frame protocol.Frame
	err   error
}

type call struct {
	fn     func(s *session.Session) error
	result chan error
}

// Conn is a subscriber connection. One event loop goroutine owns the
// session: inbound frames and API calls are applied on it in order.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn net.Conn
	opts Options
	sess *session.Session

	inbound    chan inbound
	calls      chan call
	writeQueue chan protocol.Frame
	updateChan chan *Update

	loopWaiter sync.WaitGroup
	done       chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	closeErr  error

	log *zap.Logger
}

func New(opts Options) *Conn {
	opts.setDefaults()

	c := &Conn{
		opts:       opts,
		inbound:    make(chan inbound),
		calls:      make(chan call),
		writeQueue: make(chan protocol.Frame, opts.WriteQueueSize),
		updateChan: make(chan *Update, UpdateBufferSize),
		done:       make(chan struct{}),
		log:        opts.Log,
	}

	consumer := opts.Consumer
	if consumer == nil {
		consumer = session.ConsumerFunc(c.sendUpdate)
	}

	c.sess = session.New(session.Options{
		Log:                  opts.Log,
		Out:                  protocol.FrameWriterFunc(c.enqueue),
		Consumer:             consumer,
		Metadata:             opts.Metadata,
		OnError:              opts.OnError,
		CipherIndexShift:     opts.CipherIndexShift,
		MetadataLagQueueSize: opts.MetadataLagQueueSize,
		StrictFraming:        opts.StrictFraming,
		Limits:               opts.Limits,
	})

	return c
}

// Connect dials the publisher and starts the event loop.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	if c.conn != nil {
		return ErrAlreadyConnected
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	if err := c.sess.Connect(); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	telemetry.Connections.WithLabelValues(telemetry.RoleSubscriber).Inc()

	c.loopWaiter.Add(3)

	go func() {
		defer c.loopWaiter.Done()
		c.readLoop()
	}()

	go func() {
		defer c.loopWaiter.Done()
		c.writeLoop()
	}()

	go func() {
		defer c.loopWaiter.Done()
		defer close(c.done)
		defer telemetry.Connections.WithLabelValues(telemetry.RoleSubscriber).Dec()
		c.eventLoop()
	}()

	return nil
}

// Disconnect stops every loop and closes the connection. Commands still
// waiting for an answer fail with session.ErrTerminated.
func (c *Conn) Disconnect() error {
	if c.conn == nil {
		return ErrNotConnected
	}

	c.cancel()
	c.loopWaiter.Wait()

	return c.closeConn()
}

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err is the error that ended the connection, nil after a clean
// Unsubscribe or Disconnect.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()

	return c.err
}

func (c *Conn) UpdateChan() <-chan *Update {
	return c.updateChan
}

func (c *Conn) Phase() session.Phase {
	return c.sess.Phase()
}

func (c *Conn) Stats() session.Stats {
	return c.sess.Stats()
}

// SignalIndex is a snapshot of the current signal index cache.
func (c *Conn) SignalIndex() map[uint32]measurement.Key {
	return c.sess.Cache().Snapshot()
}

// CipherKeys is a snapshot of the installed key pair.
func (c *Conn) CipherKeys() cipher.KeyPair {
	return c.sess.Cipher().Snapshot()
}

func (c *Conn) Authenticate(ctx context.Context) error {
	return c.command(ctx, protocol.Authenticate, func(s *session.Session) error {
		return s.Authenticate(protocol.Credentials{SharedSecret: c.opts.SharedSecret})
	})
}

// DefineOperationalModes is only answered when the publisher rejects the
// modes, which ends the connection.
func (c *Conn) DefineOperationalModes(ctx context.Context, modes protocol.OperationalModes) error {
	return c.do(ctx, func(s *session.Session) error {
		return s.DefineOperationalModes(modes)
	})
}

func (c *Conn) Subscribe(ctx context.Context, sub protocol.Subscription) error {
	return c.command(ctx, protocol.Subscribe, func(s *session.Session) error {
		return s.Subscribe(sub)
	})
}

// Unsubscribe tells the publisher to stop and ends the connection.
func (c *Conn) Unsubscribe(ctx context.Context) error {
	err := c.do(ctx, func(s *session.Session) error {
		return s.Unsubscribe()
	})

	// Let the write loop flush the Unsubscribe before closing.
	c.finish(nil)

	return multierr.Append(err, c.Disconnect())
}

func (c *Conn) RefreshMetadata(ctx context.Context) error {
	return c.command(ctx, protocol.MetadataRefresh, func(s *session.Session) error {
		return s.RefreshMetadata()
	})
}

// RotateCipherKeys waits until the new keys are installed.
func (c *Conn) RotateCipherKeys(ctx context.Context) error {
	return c.command(ctx, protocol.RotateCipherKeys, func(s *session.Session) error {
		return s.RotateCipherKeys()
	})
}

func (c *Conn) UpdateProcessingInterval(ctx context.Context, interval time.Duration) error {
	return c.command(ctx, protocol.UpdateProcessingInterval, func(s *session.Session) error {
		return s.UpdateProcessingInterval(interval)
	})
}

func (c *Conn) PublishMeasurements(ctx context.Context, samples []measurement.Sample) error {
	return c.command(ctx, protocol.PublishCommandMeasurements, func(s *session.Session) error {
		return s.PublishMeasurements(samples)
	})
}

// command runs fn on the event loop and waits for the publisher's answer.
func (c *Conn) command(ctx context.Context, answer protocol.Code, fn func(s *session.Session) error) error {
	var waiter <-chan error

	err := c.do(ctx, func(s *session.Session) error {
		if err := fn(s); err != nil {
			return err
		}

		waiter = s.Await(answer)
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-waiter:
		return err

	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the event loop.
func (c *Conn) do(ctx context.Context, fn func(s *session.Session) error) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	req := call{fn: fn, result: make(chan error, 1)}

	select {
	case c.calls <- req:
	case <-c.done:
		return c.closedError()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) closedError() error {
	if err := c.Err(); err != nil {
		return err
	}

	return session.ErrTerminated
}

func (c *Conn) eventLoop() {
	log := c.log.Named("eventLoop")

	var inactivity <-chan time.Time
	if c.opts.InactivityTimeout > 0 {
		ticker := time.NewTicker(c.opts.InactivityTimeout / 4)
		defer ticker.Stop()
		inactivity = ticker.C
	}

	var rotation <-chan time.Time
	if c.opts.CipherRotationInterval > 0 {
		ticker := time.NewTicker(c.opts.CipherRotationInterval)
		defer ticker.Stop()
		rotation = ticker.C
	}

	defer func() {
		// Resolves anything still waiting with ErrTerminated.
		_ = c.sess.Unsubscribe()
		log.Debug("Event loop exited")
	}()

	for {
		select {
		case <-c.ctx.Done():
			return

		case in := <-c.inbound:
			var err error
			if in.err != nil {
				err = c.sess.HandleReadError(in.err)
			} else {
				err = c.sess.HandleFrame(in.frame)
			}

			if err != nil {
				c.finish(err)
				return
			}

		case req := <-c.calls:
			req.result <- req.fn(c.sess)

			// Some calls end the connection, e.g. modes that cannot be negotiated.
			if c.sess.Phase() == session.Disconnected {
				c.finish(c.sess.Err())
				return
			}

		case now := <-inactivity:
			if c.sess.Idle(now) > c.opts.InactivityTimeout {
				c.finish(c.sess.TransportError(ErrInactive))
				return
			}

		case <-rotation:
			if c.sess.Phase() != session.Subscribed {
				continue
			}

			if err := c.sess.RotateCipherKeys(); err != nil && !errors.Is(err, cipher.ErrAlreadyRotating) {
				log.Warn("Scheduled cipher key rotation failed", zap.Error(err))
			}
		}
	}
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	for {
		f, err := protocol.ReadFrame(c.conn, c.opts.Limits)

		var ferr *protocol.FramingError
		fatal := err != nil && !(errors.As(err, &ferr) && !ferr.Fatal())

		if fatal && c.ctx.Err() != nil {
			return
		}

		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		select {
		case c.inbound <- inbound{frame: f, err: err}:
		case <-c.ctx.Done():
			return
		}

		if fatal {
			log.Debug("Read loop exited", zap.Error(err))
			return
		}
	}
}

func (c *Conn) writeLoop() {
	log := c.log.Named("writeLoop")

	// Closing here unblocks the read loop.
	defer c.closeConn()

	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			return

		case f := <-c.writeQueue:
			if err := protocol.WriteFrame(c.conn, f); err != nil {
				if c.ctx.Err() == nil {
					log.Debug("Write failed", zap.Stringer("code", f.Code), zap.Error(err))
					c.finish(fmt.Errorf("Writing %s: %w", f.Code, err))
				}
				return
			}
		}
	}
}

// drain writes whatever is still queued, so an Unsubscribe reaches the
// publisher before the socket closes.
func (c *Conn) drain() {
	for {
		select {
		case f := <-c.writeQueue:
			if err := protocol.WriteFrame(c.conn, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) enqueue(f protocol.Frame) error {
	select {
	case c.writeQueue <- f:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

func (c *Conn) sendUpdate(key measurement.Key, timestamp time.Time, value float64, quality measurement.Quality) {
	select {
	case c.updateChan <- &Update{Key: key, Timestamp: timestamp, Value: value, Quality: quality}:
	case <-c.ctx.Done():
	}
}

// finish records why the connection ended and stops the loops.
func (c *Conn) finish(err error) {
	c.errMu.Lock()
	if c.err == nil && err != nil {
		c.err = err
		c.log.Warn("Connection ended", zap.Error(err))
	}
	c.errMu.Unlock()

	c.cancel()
}

func (c *Conn) closeConn() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}
