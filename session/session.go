// Package session is the connection state machine of a subscriber.
//
// A Session owns everything that belongs to one connection: the negotiated
// operational modes, the cipher key pair, the signal index cache, the
// buffer block reassembler and the commands waiting for an answer. It never
// touches the network itself. The host feeds it inbound frames with
// HandleFrame, calls its command methods, and drains outbound frames from
// Options.Out.
//
// A Session is driven sequentially: HandleFrame and the command methods
// must be called from one goroutine (the host's event loop). Phase, Stats,
// Cache and Cipher snapshots are safe from any goroutine.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/luma/gep/bufferblock"
	"github.com/luma/gep/cipher"
	"github.com/luma/gep/internal/telemetry"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
	"github.com/luma/gep/signalindex"
)

type Session struct {
	opts Options
	log  *zap.Logger

	phase int32

	modes       protocol.OperationalModes
	codec       protocol.Codec
	modesLocked bool

	sealKey []byte
	keys    *cipher.Manager
	cache   *signalindex.Cache
	blocks  *bufferblock.Reassembler

	baseTimes *protocol.BaseTimes
	dataStart time.Time

	subscription protocol.Subscription
	requested    protocol.Subscription
	resubscribes int

	// MetadataRefresh requests not yet answered, oldest first. True marks
	// the one sent for ConfigurationChanged.
	refreshes []bool

	// DataPackets are held in lagQueue while either is set.
	awaitingMetadata bool
	awaitingIndex    bool
	lagQueue         []protocol.Frame

	waiters map[protocol.Code][]chan error

	lastActivity time.Time

	fatal error

	stats counters
}

func New(opts Options) *Session {
	opts.setDefaults()

	s := &Session{
		opts:    opts,
		log:     opts.Log.Named("session"),
		cache:   signalindex.New(),
		waiters: make(map[protocol.Code][]chan error),
	}

	s.keys = cipher.NewManager(protocol.FrameWriterFunc(s.send))
	s.resetModes()
	s.blocks = bufferblock.New(0)
	s.blocks.MaxPending = opts.MaxPendingBlocks

	return s
}

func (s *Session) Phase() Phase {
	return Phase(atomic.LoadInt32(&s.phase))
}

func (s *Session) setPhase(p Phase) {
	old := Phase(atomic.SwapInt32(&s.phase, int32(p)))
	if old != p {
		s.log.Debug("Phase changed", zap.Stringer("from", old), zap.Stringer("to", p))
	}
}

func (s *Session) Modes() protocol.OperationalModes {
	return s.modes
}

// Cache is the signal index cache. Read it through Snapshot or Resolve.
func (s *Session) Cache() *signalindex.Cache {
	return s.cache
}

// Cipher is the cipher key manager. Read it through Snapshot.
func (s *Session) Cipher() *cipher.Manager {
	return s.keys
}

// Subscription is the subscription the publisher last accepted.
func (s *Session) Subscription() protocol.Subscription {
	return s.subscription
}

func (s *Session) DataStartTime() time.Time {
	return s.dataStart
}

// Err is the fatal error that ended the connection, if any.
func (s *Session) Err() error {
	return s.fatal
}

// Idle is how long it has been since the last inbound frame.
func (s *Session) Idle(now time.Time) time.Duration {
	if s.lastActivity.IsZero() {
		return 0
	}

	return now.Sub(s.lastActivity)
}

func (s *Session) resetModes() {
	s.modes = protocol.DefaultOperationalModes()
	s.codec = protocol.NewCodec(s.modes, s.opts.Limits)
	s.modesLocked = false
}

func (s *Session) send(f protocol.Frame) error {
	if err := s.opts.Out.WriteFrame(f); err != nil {
		return err
	}

	atomic.AddUint64(&s.stats.framesOut, 1)
	telemetry.Frame(telemetry.DirectionOut, f.Code.String())

	return nil
}

// report hands a per-item error to OnError and never ends the connection.
func (s *Session) report(reason string, err error) {
	telemetry.Dropped(reason)
	s.log.Debug("Dropped", zap.String("reason", reason), zap.Error(err))

	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// Connect starts a new connection. Everything left over from a previous
// one is discarded.
func (s *Session) Connect() error {
	if p := s.Phase(); p != Disconnected {
		return phaseError("Connect", p)
	}

	s.resetModes()
	s.sealKey = nil
	s.keys.Clear()
	s.cache.Clear()
	s.blocks.Reset(0)
	s.baseTimes = nil
	s.dataStart = time.Time{}
	s.subscription = protocol.Subscription{}
	s.resubscribes = 0
	s.clearHolds()
	s.fatal = nil
	s.lastActivity = s.opts.Now()

	s.setPhase(Connecting)
	return nil
}

// Authenticate sends the credentials. The shared secret also unseals the
// cipher keys the publisher sends later.
func (s *Session) Authenticate(creds protocol.Credentials) error {
	if p := s.Phase(); p != Connecting {
		return phaseError("Authenticate", p)
	}

	f, err := protocol.EncodeAuthenticate(s.codec.Text, creds)
	if err != nil {
		return err
	}

	if err := s.send(f); err != nil {
		return err
	}

	s.sealKey = cipher.DeriveSealKey(creds.SharedSecret)
	s.setPhase(Authenticating)

	return nil
}

// DefineOperationalModes proposes modes for the rest of the connection. They
// take effect locally straight away; the publisher only answers when it
// rejects them. Modes that cannot be negotiated end the connection, locally
// or remotely.
func (s *Session) DefineOperationalModes(proposed protocol.OperationalModes) error {
	p := s.Phase()
	if s.modesLocked || p == Subscribed {
		return ErrModesLocked
	}

	if p != Negotiated {
		return phaseError("DefineOperationalModes", p)
	}

	modes, err := protocol.Negotiate(proposed)
	if err != nil {
		return s.fail(protocol.DefineOperationalModes, err)
	}

	if err := s.send(protocol.NewCommand(protocol.DefineOperationalModes, 0, protocol.EncodeModes(modes))); err != nil {
		return err
	}

	s.modes = modes
	s.codec = protocol.NewCodec(modes, s.opts.Limits)

	return nil
}

// Subscribe requests a subscription. Once subscribed it replaces the current
// one: the old signal index keeps decoding until the publisher accepts, then
// data is held until the new index arrives.
func (s *Session) Subscribe(sub protocol.Subscription) error {
	p := s.Phase()
	if p != Negotiated && p != Subscribed {
		return phaseError("Subscribe", p)
	}

	f, err := protocol.EncodeSubscribe(s.codec.Text, sub)
	if err != nil {
		return err
	}

	if err := s.send(f); err != nil {
		return err
	}

	s.requested = sub

	if p == Subscribed {
		s.resubscribes++
		return nil
	}

	s.blocks.Reset(0)
	return nil
}

// Unsubscribe tells the publisher to stop and ends the connection.
func (s *Session) Unsubscribe() error {
	var err error

	switch s.Phase() {
	case Disconnected, Terminating:
		return nil

	case Negotiated, Subscribed:
		err = s.send(protocol.NewCommand(protocol.Unsubscribe, 0, nil))
	}

	s.terminate(ErrTerminated)
	return err
}

// TransportError ends the connection because the byte stream failed. The
// error is surfaced once as a ConnectionError.
func (s *Session) TransportError(err error) error {
	if p := s.Phase(); p == Disconnected || p == Terminating {
		return nil
	}

	return s.fail(protocol.NoOP, err)
}

// RefreshMetadata asks for the metadata document. The answer goes to a
// MetadataConsumer.
func (s *Session) RefreshMetadata() error {
	if p := s.Phase(); p != Negotiated && p != Subscribed {
		return phaseError("RefreshMetadata", p)
	}

	if err := s.send(protocol.NewCommand(protocol.MetadataRefresh, 0, nil)); err != nil {
		return err
	}

	s.refreshes = append(s.refreshes, false)
	return nil
}

// RotateCipherKeys asks for a new key pair. Await(RotateCipherKeys) resolves
// when UpdateCipherKeys arrives.
func (s *Session) RotateCipherKeys() error {
	if p := s.Phase(); p != Subscribed {
		return phaseError("RotateCipherKeys", p)
	}

	return s.keys.RequestRotation()
}

func (s *Session) UpdateProcessingInterval(d time.Duration) error {
	if p := s.Phase(); p != Negotiated && p != Subscribed {
		return phaseError("UpdateProcessingInterval", p)
	}

	return s.send(protocol.NewCommand(protocol.UpdateProcessingInterval, 0, protocol.EncodeProcessingInterval(d)))
}

// PublishMeasurements sends samples back to the publisher. Keys must be in
// the signal index cache, the rest are reported as ErrUnknownSignal and
// left out.
func (s *Session) PublishMeasurements(samples []measurement.Sample) error {
	if p := s.Phase(); p != Subscribed {
		return phaseError("PublishMeasurements", p)
	}

	wire := make([]protocol.WireSample, 0, len(samples))
	for _, sample := range samples {
		id, ok := s.cache.Lookup(sample.Key)
		if !ok {
			atomic.AddUint64(&s.stats.unknownSignals, 1)
			s.report(telemetry.ReasonUnknownSignal, fmt.Errorf("Publishing %s: %w", sample.Key, ErrUnknownSignal))
			continue
		}

		wire = append(wire, protocol.WireSample{
			ID:        id,
			Timestamp: sample.Timestamp,
			Value:     sample.Value,
			Quality:   sample.Quality,
		})
	}

	// Nothing is sent, so no answer will come.
	if len(wire) == 0 {
		return ErrUnknownSignal
	}

	body, err := protocol.EncodeSamples(protocol.NoFlags, time.Time{}, wire, nil)
	if err != nil {
		return err
	}

	if body, err = s.codec.PackDataBody(body); err != nil {
		return err
	}

	if err := s.send(protocol.NewCommand(protocol.PublishCommandMeasurements, 0, body)); err != nil {
		return err
	}

	telemetry.Samples(telemetry.DirectionOut, len(wire))
	return nil
}

// Await returns a channel that receives the outcome of command: nil on
// Succeeded, a *CommandError on Failed, or the reason the connection ended.
// For RotateCipherKeys it resolves on UpdateCipherKeys.
func (s *Session) Await(command protocol.Code) <-chan error {
	ch := make(chan error, 1)

	if p := s.Phase(); p == Disconnected || p == Terminating {
		ch <- s.terminalError()
		return ch
	}

	s.waiters[command] = append(s.waiters[command], ch)
	return ch
}

// resolve answers the oldest waiter for command and reports whether there
// was one.
func (s *Session) resolve(command protocol.Code, err error) bool {
	waiting := s.waiters[command]
	if len(waiting) == 0 {
		return false
	}

	waiting[0] <- err
	if len(waiting) == 1 {
		delete(s.waiters, command)
	} else {
		s.waiters[command] = waiting[1:]
	}

	return true
}

func (s *Session) terminalError() error {
	if s.fatal != nil {
		return s.fatal
	}

	return ErrTerminated
}

// fail ends the connection with a fatal error and returns it.
func (s *Session) fail(code protocol.Code, err error) error {
	cerr := &ConnectionError{Phase: s.Phase(), Code: code, Err: err}

	if s.fatal == nil {
		s.fatal = cerr
		s.log.Warn("Connection failed", zap.Error(cerr))
	}

	s.terminate(cerr)
	return cerr
}

func (s *Session) terminate(cause error) {
	s.setPhase(Terminating)

	s.keys.Cancel()
	s.cache.Clear()
	s.blocks.Reset(0)
	s.resubscribes = 0
	s.clearHolds()

	for code, waiting := range s.waiters {
		for _, ch := range waiting {
			ch <- cause
		}
		delete(s.waiters, code)
	}

	s.setPhase(Disconnected)
}
