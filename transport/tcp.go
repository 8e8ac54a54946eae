package transport

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/gep/storage"
)

// TCP is the publisher. It accepts subscribers on one or more listeners
// sharing the same address and streams store updates to each of them.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr string

	numListeners int

	mu        sync.Mutex
	listeners []*TCPListener

	opts  Options
	store storage.Store

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	options.setDefaults()

	numListeners := options.NumListeners

	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	if !options.Reuseport {
		numListeners = 1
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		opts:         options,
		store:        options.Store,
		log:          options.Log,
	}
}

// Start binds every listener before returning, so subscribers can connect
// as soon as it succeeds.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	for i := 0; i < w.numListeners; i++ {
		if err := w.startListener(ctx, i); err != nil {
			cancel()
			w.stopWaiter.Wait()
			return err
		}
	}

	return nil
}

func (t *TCP) Store() storage.Store {
	return t.store
}

func (w *TCP) startListener(ctx context.Context, n int) error {
	listen := net.Listen
	if w.opts.Reuseport {
		listen = reuseport.Listen
	}

	ln, err := listen("tcp", w.addr)
	if err != nil {
		return err
	}

	listener := NewTCPListener(ctx, ln, w.opts, w.log.Named("listener").With(zap.Int("listener", n)))

	w.mu.Lock()
	w.listeners = append(w.listeners, listener)
	w.mu.Unlock()

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			w.log.Error("Listener stopped accepting", zap.Error(err))
		}
	}()

	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (w *TCP) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.listeners) == 0 {
		return nil
	}

	return w.listeners[0].Addr()
}

// Close immediately closes all active listeners and connections.
func (w *TCP) Close() (err error) {
	w.log.Info("Stopping TCP server")
	if w.cancel != nil {
		w.cancel()
	}

	w.mu.Lock()
	listeners := w.listeners
	w.mu.Unlock()

	for _, listener := range listeners {
		err = multierr.Append(err, listener.Close())
	}

	w.stopWaiter.Wait()
	w.log.Info("Listeners stopped")

	return err
}

// Notify sends a notification to every authenticated subscriber.
func (w *TCP) Notify(message string) (err error) {
	for _, l := range w.snapshot() {
		err = multierr.Append(err, l.each(func(c *TCPConn) error { return c.Notify(message) }))
	}
	return err
}

// PublishBufferBlock sends data as the next buffer block of every
// subscriber. Blocks are sent again until the subscriber confirms them.
func (w *TCP) PublishBufferBlock(data []byte) (err error) {
	for _, l := range w.snapshot() {
		err = multierr.Append(err, l.each(func(c *TCPConn) error { return c.PublishBufferBlock(data) }))
	}
	return err
}

// Status describes every connected subscriber.
func (w *TCP) Status() []ConnStatus {
	out := make([]ConnStatus, 0)

	for _, l := range w.snapshot() {
		_ = l.each(func(c *TCPConn) error {
			out = append(out, c.Status())
			return nil
		})
	}

	return out
}

func (w *TCP) snapshot() []*TCPListener {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]*TCPListener(nil), w.listeners...)
}

type TCPListener struct {
	ctx context.Context

	listener net.Listener
	opts     Options
	log      *zap.Logger

	mu          sync.Mutex
	activeConns map[*TCPConn]struct{}

	store storage.Store
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	opts Options,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		activeConns: make(map[*TCPConn]struct{}),
		opts:        opts,
		store:       opts.Store,
		log:         log,
	}
}

func (t *TCPListener) Addr() net.Addr {
	return t.listener.Addr()
}

func (t *TCPListener) Close() (err error) {
	err = t.listener.Close()
	if isClosedConnError(err) {
		err = nil
	}

	t.mu.Lock()
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	return err
}

func (t *TCPListener) Listen() error {
	var loopWaiter sync.WaitGroup

	go func() {
		<-t.ctx.Done()

		t.log.Info("Closing listener")
		if err := t.listener.Close(); err != nil && !isClosedConnError(err) {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	// Listen for storage updates
	if t.store != nil {
		updates := t.store.ListenToUpdates()

		go func() {
			for update := range updates {
				if err := t.WriteUpdate(update); err != nil {
					t.log.Debug("Update did not reach every subscriber", zap.Error(err))
				}
			}
		}()
	}

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if isClosedConnError(err) {
				// The listener was closed while we were waiting for new connections
				// that's fine.
				t.log.Info("Waiting for Read/Write loops to stop")
				loopWaiter.Wait()
				t.log.Info("Listener stopped")
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Temporary() {
				t.log.Warn("Temporary accept failure", zap.Error(err))
				continue
			}

			return err
		}

		tcpConn := NewTCPConn(t.ctx, conn, t.opts, t.log.Named("conn").With(
			zap.String("remote", conn.RemoteAddr().String())))

		t.addConn(tcpConn)

		loopWaiter.Add(1)
		go func() {
			defer loopWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

// WriteUpdate hands a store update to every connection.
func (t *TCPListener) WriteUpdate(update *storage.Update) error {
	return t.each(func(c *TCPConn) error { return c.WriteUpdate(update) })
}

func (t *TCPListener) each(fn func(c *TCPConn) error) (err error) {
	t.mu.Lock()
	conns := make([]*TCPConn, 0, len(t.activeConns))
	for conn := range t.activeConns {
		conns = append(conns, conn)
	}
	t.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, fn(conn))
	}

	return err
}

func (t *TCPListener) addConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.activeConns[conn] = struct{}{}
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}

func isClosedConnError(err error) bool {
	return err != nil && errors.Is(err, net.ErrClosed)
}
