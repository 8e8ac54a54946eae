package transport

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	"github.com/luma/gep/internal/telemetry"
	"github.com/luma/gep/protocol"
	"github.com/luma/gep/storage"
)

// MaxSamplesPerPacket splits large updates over several DataPackets.
const MaxSamplesPerPacket = 4096

// WriteUpdate forwards a store update to the subscriber. Samples of keys
// outside the subscription are ignored.
func (t *TCPConn) WriteUpdate(update *storage.Update) (err error) {
	if update.MetadataChanged && t.isAuthenticated() {
		err = multierr.Append(err, t.WriteFrame(protocol.NewResponse(protocol.ConfigurationChanged, 0, nil)))
	}

	if len(update.Samples) == 0 {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st := &t.state
	if !st.subscribed {
		return err
	}

	wire := make([]protocol.WireSample, 0, len(update.Samples))
	for _, s := range update.Samples {
		id, ok := st.index.Lookup(s.Key)
		if !ok {
			continue
		}

		ws := protocol.WireSample{ID: id, Timestamp: s.Timestamp, Value: s.Value, Quality: s.Quality}

		if st.subscription.ProcessingInterval > 0 {
			st.throttled[id] = ws
			continue
		}

		wire = append(wire, ws)
	}

	return multierr.Append(err, t.sendSamples(wire))
}

// flushThrottled publishes the latest sample of each key collected during
// the processing interval.
func (t *TCPConn) flushThrottled() {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &t.state
	if len(st.throttled) == 0 {
		return
	}

	wire := make([]protocol.WireSample, 0, len(st.throttled))
	for _, ws := range st.throttled {
		wire = append(wire, ws)
	}
	sort.Slice(wire, func(i, j int) bool { return wire[i].ID < wire[j].ID })

	st.throttled = make(map[uint32]protocol.WireSample)

	if err := t.sendSamples(wire); err != nil {
		t.log.Debug("Dropped throttled samples")
	}
}

// sendSamples must be called with t.mu held.
func (t *TCPConn) sendSamples(wire []protocol.WireSample) (err error) {
	if len(wire) == 0 {
		return nil
	}

	flags := t.state.subscription.Flags & (protocol.Synchronized | protocol.Compact)

	if !flags.Has(protocol.Synchronized) {
		for _, chunk := range chunkSamples(wire) {
			err = multierr.Append(err, t.sendPacket(flags, time.Time{}, chunk))
		}
		return err
	}

	// Synchronized packets share one timestamp, so group by it in order of
	// first appearance.
	var order []int64
	groups := make(map[int64][]protocol.WireSample)
	for _, ws := range wire {
		ns := ws.Timestamp.UnixNano()
		if _, ok := groups[ns]; !ok {
			order = append(order, ns)
		}
		groups[ns] = append(groups[ns], ws)
	}

	for _, ns := range order {
		ts := time.Unix(0, ns).UTC()
		for _, chunk := range chunkSamples(groups[ns]) {
			err = multierr.Append(err, t.sendPacket(flags, ts, chunk))
		}
	}

	return err
}

func chunkSamples(wire []protocol.WireSample) [][]protocol.WireSample {
	var chunks [][]protocol.WireSample
	for len(wire) > MaxSamplesPerPacket {
		chunks = append(chunks, wire[:MaxSamplesPerPacket])
		wire = wire[MaxSamplesPerPacket:]
	}
	return append(chunks, wire)
}

func (t *TCPConn) sendPacket(flags protocol.DataPacketFlags, ts time.Time, wire []protocol.WireSample) error {
	st := &t.state

	body, err := protocol.EncodeSamples(flags, ts, wire, &st.baseTimes)
	if errors.Is(err, protocol.ErrTimeOutOfRange) {
		if err = t.rebase(wire); err != nil {
			return err
		}
		body, err = protocol.EncodeSamples(flags, ts, wire, &st.baseTimes)
	}
	if err != nil {
		return err
	}

	if body, err = st.codec.PackDataBody(body); err != nil {
		return err
	}

	if st.keys.Active() {
		index, sealed, err := st.keys.EncryptActive(body)
		if err != nil {
			return err
		}

		body = sealed
		flags = flags.WithCipherIndex(t.opts.CipherIndexShift, index)
	}

	if err := t.WriteFrame(protocol.Frame{Code: protocol.DataPacket, Flags: byte(flags), Payload: body}); err != nil {
		return err
	}

	telemetry.Samples(telemetry.DirectionOut, len(wire))
	return nil
}

// rebase moves the inactive base time to the earliest sample and makes it
// active, so compact offsets fit again.
func (t *TCPConn) rebase(wire []protocol.WireSample) error {
	earliest := wire[0].Timestamp
	for _, ws := range wire[1:] {
		if ws.Timestamp.Before(earliest) {
			earliest = ws.Timestamp
		}
	}

	bt := &t.state.baseTimes
	next := 1 - bt.Index
	bt.Times[next] = earliest.UTC().Truncate(time.Millisecond)
	bt.Index = next

	return t.WriteFrame(protocol.NewResponse(protocol.UpdateBaseTimes, 0, protocol.EncodeBaseTimes(*bt)))
}

// Notify sends message to the subscriber and keeps it until confirmed.
func (t *TCPConn) Notify(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &t.state
	if !st.authenticated {
		return nil
	}

	n := protocol.Notification{Hash: uint32(xxhash.Sum64String(message)), Message: message}
	st.notifications[n.Hash] = message

	return t.WriteFrame(protocol.NewResponse(protocol.Notify, 0, protocol.EncodeNotification(st.codec.Text, n)))
}

// PublishBufferBlock sends data as the next buffer block.
func (t *TCPConn) PublishBufferBlock(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := &t.state
	if !st.subscribed {
		return nil
	}

	st.nextBlock++
	seq := st.nextBlock
	st.blocks[seq] = &sentBlock{data: data, sentAt: time.Now()}

	if err := t.WriteFrame(protocol.NewResponse(protocol.BufferBlock, 0, protocol.EncodeBufferBlock(seq, data))); err != nil {
		return fmt.Errorf("Buffer block %d: %w", seq, err)
	}

	return nil
}

// retransmitBlocks sends every unconfirmed block that has waited too long.
func (t *TCPConn) retransmitBlocks(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, seq := range sortedSequences(t.state.blocks) {
		b := t.state.blocks[seq]
		if now.Sub(b.sentAt) < t.opts.BufferBlockRetransmit {
			continue
		}

		if err := t.WriteFrame(protocol.NewResponse(protocol.BufferBlock, 0, protocol.EncodeBufferBlock(seq, b.data))); err != nil {
			return
		}
		b.sentAt = now
	}
}
