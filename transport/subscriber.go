package transport

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/gep/cipher"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
	"github.com/luma/gep/signalindex"
)

type sentBlock struct {
	data   []byte
	sentAt time.Time
}

// subscriberState is everything the publisher knows about one subscriber.
// It is guarded by TCPConn.mu.
type subscriberState struct {
	authenticated bool

	modes protocol.OperationalModes
	codec protocol.Codec

	subscribed   bool
	subscription protocol.Subscription
	index        *signalindex.Cache

	keys    *cipher.Manager
	sealKey []byte

	baseTimes protocol.BaseTimes

	// Latest sample per signal index waiting for the next processing
	// interval.
	throttled map[uint32]protocol.WireSample

	nextBlock uint32
	blocks    map[uint32]*sentBlock

	notifications map[uint32]string
}

func newSubscriberState(opts Options, keys *cipher.Manager, index *signalindex.Cache) subscriberState {
	modes := protocol.DefaultOperationalModes()

	return subscriberState{
		authenticated: opts.SharedSecret == "",
		modes:         modes,
		codec:         protocol.NewCodec(modes, opts.Limits),
		index:         index,
		keys:          keys,
		throttled:     make(map[uint32]protocol.WireSample),
		blocks:        make(map[uint32]*sentBlock),
		notifications: make(map[uint32]string),
	}
}

// ConnStatus is reported by the debug /status endpoint.
type ConnStatus struct {
	Remote               string `json:"remote"`
	Authenticated        bool   `json:"authenticated"`
	Subscribed           bool   `json:"subscribed"`
	Modes                string `json:"modes"`
	Measurements         int    `json:"measurements"`
	ProcessingInterval   string `json:"processingInterval"`
	PendingBlocks        int    `json:"pendingBlocks"`
	PendingNotifications int    `json:"pendingNotifications"`
	Encrypted            bool   `json:"encrypted"`
}

func (t *TCPConn) Status() ConnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &t.state

	return ConnStatus{
		Remote:               t.conn.RemoteAddr().String(),
		Authenticated:        st.authenticated,
		Subscribed:           st.subscribed,
		Modes:                st.modes.String(),
		Measurements:         st.index.Len(),
		ProcessingInterval:   st.subscription.ProcessingInterval.String(),
		PendingBlocks:        len(st.blocks),
		PendingNotifications: len(st.notifications),
		Encrypted:            st.keys.Active(),
	}
}

// dispatch handles one command.
func (t *TCPConn) dispatch(f protocol.Frame) {
	log := t.log.With(zap.Stringer("command", f.Code))

	if f.Code != protocol.Authenticate && !t.isAuthenticated() {
		t.failed(f.Code, "Subscriber is not authenticated")
		return
	}

	var err error

	switch f.Code {
	case protocol.Authenticate:
		t.authenticate(f)

	case protocol.DefineOperationalModes:
		t.defineOperationalModes(f)

	case protocol.Subscribe:
		err = t.subscribe(f)

	case protocol.Unsubscribe:
		t.unsubscribe()

	case protocol.MetadataRefresh:
		err = t.refreshMetadata()

	case protocol.RotateCipherKeys:
		if !t.opts.EncryptPayloads {
			t.failed(f.Code, "Payload encryption is disabled")
			return
		}

		if !t.isSubscribed() {
			t.failed(f.Code, "Subscriber is not subscribed")
			return
		}

		err = t.rotateKeys()

	case protocol.UpdateProcessingInterval:
		err = t.updateProcessingInterval(f)

	case protocol.ConfirmNotification:
		err = t.confirmNotification(f)

	case protocol.ConfirmBufferBlock:
		err = t.confirmBufferBlock(f)

	case protocol.PublishCommandMeasurements:
		err = t.publishCommandMeasurements(f)
	}

	if err != nil {
		log.Warn("Command failed", zap.Error(err))
		t.failed(f.Code, err.Error())
	}
}

func (t *TCPConn) isAuthenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state.authenticated
}

func (t *TCPConn) isSubscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state.subscribed
}

func (t *TCPConn) text() protocol.TextCodec {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state.codec.Text
}

func (t *TCPConn) succeeded(command protocol.Code, message string) {
	t.respond(protocol.NewResponse(protocol.Succeeded, command, protocol.EncodeText(t.text(), message)))
}

func (t *TCPConn) failed(command protocol.Code, message string) {
	t.respond(protocol.NewResponse(protocol.Failed, command, protocol.EncodeText(t.text(), message)))
}

func (t *TCPConn) respond(f protocol.Frame) {
	if err := t.WriteFrame(f); err != nil {
		t.log.Warn("Failed to queue response", zap.Stringer("code", f.Code), zap.Error(err))
	}
}

// authenticate rejects a bad secret with Failed, after which the write loop
// ends the connection.
func (t *TCPConn) authenticate(f protocol.Frame) {
	creds, err := protocol.DecodeAuthenticate(t.text(), f)

	if err != nil || (t.opts.SharedSecret != "" &&
		subtle.ConstantTimeCompare([]byte(creds.SharedSecret), []byte(t.opts.SharedSecret)) != 1) {
		t.log.Warn("Subscriber failed to authenticate", zap.Error(err))
		t.failed(protocol.Authenticate, "Authentication failed")
		return
	}

	t.mu.Lock()
	t.state.authenticated = true
	t.state.sealKey = cipher.DeriveSealKey(creds.SharedSecret)
	t.mu.Unlock()

	t.log.Info("Subscriber authenticated")
	t.succeeded(protocol.Authenticate, "Authenticated")
}

// defineOperationalModes answers only when it rejects the modes.
func (t *TCPConn) defineOperationalModes(f protocol.Frame) {
	proposed, err := protocol.DecodeModes(f.Payload)
	if err == nil {
		proposed, err = protocol.Negotiate(proposed)
	}

	t.mu.Lock()
	if err == nil && t.state.subscribed {
		err = fmt.Errorf("Operational modes cannot change once subscribed")
	}
	if err == nil {
		t.state.modes = proposed
		t.state.codec = protocol.NewCodec(proposed, t.opts.Limits)
	}
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("Rejected operational modes", zap.Error(err))
		t.failed(protocol.DefineOperationalModes, err.Error())
		return
	}

	t.log.Info("Operational modes defined", zap.Stringer("modes", proposed))
}

func (t *TCPConn) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.ctx, DefaultStoreTimeout)
}

func (t *TCPConn) subscribe(f protocol.Frame) error {
	sub, err := protocol.DecodeSubscribe(t.text(), f)
	if err != nil {
		return err
	}

	if t.store == nil {
		return fmt.Errorf("Publisher has no measurements")
	}

	ctx, cancel := t.storeContext()
	defined, err := t.store.MeasurementKeys(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("Failed to list measurements: %w", err)
	}

	selected, err := selectKeys(defined, sub.Keys)
	if err != nil {
		return err
	}

	assignment := signalindex.Assign(selected)
	now := time.Now().UTC().Truncate(time.Second)

	t.mu.Lock()
	defer t.mu.Unlock()

	st := &t.state

	if err := st.index.Rebuild(assignment); err != nil {
		return err
	}

	st.subscribed = true
	st.subscription = sub
	st.baseTimes = protocol.BaseTimes{Times: [2]time.Time{now, now}}
	st.throttled = make(map[uint32]protocol.WireSample)
	st.nextBlock = 0
	st.blocks = make(map[uint32]*sentBlock)

	cache, err := st.codec.PackSignalIndexCache(assignment)
	if err != nil {
		return err
	}

	frames := []protocol.Frame{
		protocol.NewResponse(protocol.Succeeded, protocol.Subscribe,
			protocol.EncodeText(st.codec.Text, fmt.Sprintf("Subscribed to %d measurements", len(assignment)))),
		protocol.NewResponse(protocol.UpdateSignalIndexCache, 0, cache),
	}

	if sub.Compact() && !sub.Synchronized() {
		frames = append(frames, protocol.NewResponse(protocol.UpdateBaseTimes, 0, protocol.EncodeBaseTimes(st.baseTimes)))
	}

	if t.opts.EncryptPayloads {
		if !st.keys.Active() {
			if _, err := st.keys.Rotate(); err != nil {
				return err
			}
		}

		payload, err := cipher.EncodeKeyPair(st.keys.Snapshot(), st.sealKey)
		if err != nil {
			return err
		}

		frames = append(frames, protocol.NewResponse(protocol.UpdateCipherKeys, 0, payload))
	}

	frames = append(frames, protocol.NewResponse(protocol.DataStartTime, 0, protocol.EncodeTime(time.Now())))

	for _, frame := range frames {
		if err := t.WriteFrame(frame); err != nil {
			return err
		}
	}

	t.log.Info("Subscriber subscribed",
		zap.Int("measurements", len(assignment)),
		zap.Stringer("flags", sub.Flags),
		zap.Duration("processingInterval", sub.ProcessingInterval))

	t.nudge()
	return nil
}

// selectKeys picks the requested keys out of the defined ones. Asking for
// nothing selects everything.
func selectKeys(defined []measurement.Key, requested []measurement.Key) ([]measurement.Key, error) {
	if len(requested) == 0 {
		return defined, nil
	}

	known := make(map[string]measurement.Key, len(defined))
	for _, k := range defined {
		known[k.String()] = k
	}

	var (
		selected = make([]measurement.Key, 0, len(requested))
		missing  []string
	)

	for _, k := range requested {
		def, ok := known[k.String()]
		if !ok {
			missing = append(missing, k.String())
			continue
		}
		selected = append(selected, def)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("Unknown measurements: %s", strings.Join(missing, ", "))
	}

	return selected, nil
}

func (t *TCPConn) unsubscribe() {
	t.mu.Lock()
	t.state.subscribed = false
	t.state.index.Clear()
	t.state.throttled = make(map[uint32]protocol.WireSample)
	t.state.blocks = make(map[uint32]*sentBlock)
	t.mu.Unlock()

	t.log.Info("Subscriber unsubscribed")
	t.succeeded(protocol.Unsubscribe, "Unsubscribed")
}

func (t *TCPConn) refreshMetadata() error {
	if t.store == nil {
		return fmt.Errorf("Publisher has no metadata")
	}

	ctx, cancel := t.storeContext()
	doc, err := t.store.Metadata(ctx)
	cancel()
	if err != nil {
		return err
	}

	t.mu.Lock()
	payload, err := t.state.codec.PackMetadata(doc)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	t.respond(protocol.NewResponse(protocol.Succeeded, protocol.MetadataRefresh, payload))
	return nil
}

func (t *TCPConn) rotateKeys() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	pair, err := t.state.keys.Rotate()
	if err != nil {
		return err
	}

	payload, err := cipher.EncodeKeyPair(pair, t.state.sealKey)
	if err != nil {
		return err
	}

	t.log.Debug("Rotated cipher keys", zap.Uint32("active", pair.Keys[pair.Active].ID))

	return t.WriteFrame(protocol.NewResponse(protocol.UpdateCipherKeys, 0, payload))
}

func (t *TCPConn) updateProcessingInterval(f protocol.Frame) error {
	interval, err := protocol.DecodeProcessingInterval(f.Payload)
	if err != nil {
		return err
	}

	if interval < 0 {
		interval = 0
	}

	t.mu.Lock()
	t.state.subscription.ProcessingInterval = interval
	t.mu.Unlock()

	t.nudge()
	t.succeeded(protocol.UpdateProcessingInterval, fmt.Sprintf("Processing interval set to %s", interval))

	return nil
}

func (t *TCPConn) processingInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.state.subscribed {
		return 0
	}

	return t.state.subscription.ProcessingInterval
}

func (t *TCPConn) confirmNotification(f protocol.Frame) error {
	hash, err := protocol.DecodeUint32(f.Payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.state.notifications, hash)
	t.mu.Unlock()

	return nil
}

func (t *TCPConn) confirmBufferBlock(f protocol.Frame) error {
	seq, err := protocol.DecodeUint32(f.Payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.state.blocks, seq)
	t.mu.Unlock()

	return nil
}

// publishCommandMeasurements writes samples sent by the subscriber into the
// store, which in turn publishes them to every subscriber of those keys.
func (t *TCPConn) publishCommandMeasurements(f protocol.Frame) error {
	t.mu.Lock()
	if !t.state.subscribed {
		t.mu.Unlock()
		return fmt.Errorf("Subscriber is not subscribed")
	}

	body, err := t.state.codec.UnpackDataBody(f.Payload)
	var wire []protocol.WireSample
	if err == nil {
		wire, err = protocol.DecodeSamples(protocol.NoFlags, body, nil)
	}

	var (
		samples = make([]measurement.Sample, 0, len(wire))
		unknown error
	)

	for _, w := range wire {
		key, rerr := t.state.index.Resolve(w.ID)
		if rerr != nil {
			unknown = multierr.Append(unknown, fmt.Errorf("Signal index %d: %w", w.ID, rerr))
			continue
		}

		samples = append(samples, measurement.Sample{
			Key:       key,
			Timestamp: w.Timestamp,
			Value:     w.Value,
			Quality:   w.Quality,
		})
	}
	t.mu.Unlock()

	if err != nil {
		return err
	}

	ctx, cancel := t.storeContext()
	defer cancel()

	if err := multierr.Append(unknown, t.store.Publish(ctx, samples)); err != nil {
		return err
	}

	t.succeeded(protocol.PublishCommandMeasurements, fmt.Sprintf("Published %d measurements", len(samples)))
	return nil
}

func sortedSequences(blocks map[uint32]*sentBlock) []uint32 {
	out := make([]uint32, 0, len(blocks))
	for seq := range blocks {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
