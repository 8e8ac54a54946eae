package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/luma/gep/cipher"
	"github.com/luma/gep/internal/telemetry"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
)

// HandleReadError classifies an error returned by protocol.ReadFrame.
// Unknown frame codes are skipped, unless framing is strict or the session
// is authenticating. Anything else ends the connection and the
// ConnectionError is returned.
func (s *Session) HandleReadError(err error) error {
	code := protocol.NoOP

	var ferr *protocol.FramingError
	if errors.As(err, &ferr) {
		code = ferr.Code

		if !ferr.Fatal() && !s.opts.StrictFraming && s.Phase() != Authenticating {
			atomic.AddUint64(&s.stats.skippedFrames, 1)
			telemetry.Dropped(telemetry.ReasonUnknownFrame)
			s.log.Warn("Skipped frame with unknown code", zap.Error(err))
			return nil
		}
	}

	if p := s.Phase(); p == Disconnected || p == Terminating {
		return nil
	}

	return s.fail(code, err)
}

// HandleFrame applies one inbound frame. The returned error is non-nil only
// when the frame ended the connection.
func (s *Session) HandleFrame(f protocol.Frame) error {
	phase := s.Phase()
	if phase == Disconnected || phase == Terminating {
		s.log.Debug("Discarding frame, not connected", zap.Stringer("code", f.Code))
		return nil
	}

	atomic.AddUint64(&s.stats.framesIn, 1)
	telemetry.Frame(telemetry.DirectionIn, f.Code.String())
	s.lastActivity = s.opts.Now()

	switch f.Code.Kind() {
	case protocol.KindCommand:
		s.unsolicited(f, "command sent to a subscriber")
		return nil

	case protocol.KindUnknown:
		return s.HandleReadError(&protocol.FramingError{Code: f.Code, Err: protocol.ErrUnknownType})
	}

	switch f.Code {
	case protocol.Succeeded:
		return s.handleSucceeded(f)

	case protocol.Failed:
		return s.handleFailed(f)

	case protocol.NoOP:
		return nil
	}

	if phase != Subscribed {
		s.unsolicited(f, "not subscribed")
		return nil
	}

	switch f.Code {
	case protocol.DataPacket:
		s.handleDataPacket(f)

	case protocol.UpdateSignalIndexCache:
		s.handleSignalIndexCache(f)

	case protocol.UpdateBaseTimes:
		bt, err := protocol.DecodeBaseTimes(f.Payload)
		if err != nil {
			s.malformed(f, err)
			return nil
		}
		s.baseTimes = &bt

	case protocol.UpdateCipherKeys:
		s.handleCipherKeys(f)

	case protocol.DataStartTime:
		t, err := protocol.DecodeTime(f.Payload)
		if err != nil {
			s.malformed(f, err)
			return nil
		}
		s.dataStart = t
		s.log.Info("Data started", zap.Time("at", t))

	case protocol.ProcessingComplete:
		if c, ok := s.opts.Consumer.(ProcessingConsumer); ok {
			c.OnProcessingComplete(protocol.DecodeText(s.codec.Text, f.Payload))
		}

	case protocol.BufferBlock:
		return s.handleBufferBlock(f)

	case protocol.Notify:
		return s.handleNotify(f)

	case protocol.ConfigurationChanged:
		return s.handleConfigurationChanged()
	}

	return nil
}

func (s *Session) unsolicited(f protocol.Frame, why string) {
	telemetry.Dropped(telemetry.ReasonUnsolicited)
	s.log.Info("Discarding unsolicited frame",
		zap.Stringer("code", f.Code),
		zap.Stringer("phase", s.Phase()),
		zap.String("reason", why))
}

func (s *Session) malformed(f protocol.Frame, err error) {
	s.report(telemetry.ReasonMalformed, fmt.Errorf("%s: %w", f.Code, err))
}

func (s *Session) handleSucceeded(f protocol.Frame) error {
	command := f.InResponseTo()

	switch command {
	case protocol.Authenticate:
		if s.Phase() != Authenticating {
			s.unsolicited(f, "not authenticating")
			return nil
		}
		s.setPhase(Negotiated)

	case protocol.Subscribe:
		switch {
		case s.Phase() == Negotiated:
			s.subscription = s.requested
			s.modesLocked = true
			s.setPhase(Subscribed)

		case s.resubscribes > 0:
			s.resubscribed()

		default:
			s.unsolicited(f, "no subscribe outstanding")
			return nil
		}

	case protocol.MetadataRefresh:
		guard := s.popRefresh()

		doc, err := s.codec.UnpackMetadata(f.Payload)
		if err != nil {
			s.malformed(f, err)
			if guard {
				s.endMetadataHold(false)
				return nil
			}
			s.resolve(command, err)
			return nil
		}

		if c, ok := s.opts.Consumer.(MetadataConsumer); ok {
			c.OnMetadata(doc)
		}

		if guard {
			s.endMetadataHold(true)
			return nil
		}
	}

	s.resolve(command, nil)
	return nil
}

func (s *Session) handleFailed(f protocol.Frame) error {
	command := f.InResponseTo()
	cerr := &CommandError{
		Command: command,
		Message: protocol.DecodeText(s.codec.Text, f.Payload),
	}

	switch command {
	case protocol.Authenticate:
		if s.Phase() == Authenticating {
			return s.fail(f.Code, cerr)
		}

	case protocol.DefineOperationalModes:
		if s.Phase() != Subscribed {
			return s.fail(f.Code, &protocol.NegotiationError{Modes: s.modes, Err: cerr})
		}

	case protocol.Subscribe:
		if s.resubscribes > 0 {
			s.resubscribes--
		}

	case protocol.RotateCipherKeys:
		s.keys.Cancel()

	case protocol.MetadataRefresh:
		if s.popRefresh() {
			s.endMetadataHold(false)
			s.log.Warn("Metadata refresh after a configuration change failed", zap.Error(cerr))

			if s.opts.OnError != nil {
				s.opts.OnError(cerr)
			}
			return nil
		}
	}

	s.log.Warn("Command failed", zap.Error(cerr))

	if !s.resolve(command, cerr) && s.opts.OnError != nil {
		s.opts.OnError(cerr)
	}

	return nil
}

// resubscribed applies an accepted resubscription. The publisher restarts
// signal indexes, base times and buffer block sequences.
func (s *Session) resubscribed() {
	s.resubscribes--
	s.subscription = s.requested

	s.cache.Clear()
	s.blocks.Reset(0)
	s.baseTimes = nil
	s.awaitingIndex = true
}

func (s *Session) popRefresh() (guard bool) {
	if len(s.refreshes) == 0 {
		return false
	}

	guard = s.refreshes[0]
	s.refreshes = s.refreshes[1:]
	return guard
}

// endMetadataHold ends the hold armed by ConfigurationChanged. Without usable
// metadata the held packets are dropped.
func (s *Session) endMetadataHold(deliver bool) {
	s.awaitingMetadata = false

	if deliver {
		s.releaseLagQueue()
		return
	}

	for range s.lagQueue {
		telemetry.Dropped(telemetry.ReasonMetadataLag)
	}
	s.lagQueue = nil
}

func (s *Session) clearHolds() {
	s.refreshes = nil
	s.awaitingMetadata = false
	s.awaitingIndex = false
	s.lagQueue = nil
}

func (s *Session) holding() bool {
	return s.awaitingMetadata || s.awaitingIndex
}

func (s *Session) handleDataPacket(f protocol.Frame) {
	if !s.holding() {
		s.decodeDataPacket(f)
		return
	}

	if len(s.lagQueue) >= s.opts.MetadataLagQueueSize {
		s.lagQueue = s.lagQueue[1:]
		atomic.AddUint64(&s.stats.lagOverflows, 1)
		s.report(telemetry.ReasonMetadataLag, ErrMetadataLagOverflow)
	}

	s.lagQueue = append(s.lagQueue, f)
}

func (s *Session) releaseLagQueue() {
	if s.holding() {
		return
	}

	queued := s.lagQueue
	s.lagQueue = nil

	for _, f := range queued {
		s.decodeDataPacket(f)
	}
}

func (s *Session) decodeDataPacket(f protocol.Frame) {
	flags := f.DataPacketFlags()
	body := f.Payload

	if s.keys.Active() {
		plain, err := s.keys.Decrypt(flags.CipherIndexAt(s.opts.CipherIndexShift), body)
		if err != nil {
			atomic.AddUint64(&s.stats.cipherMismatches, 1)
			s.report(telemetry.ReasonCipherMismatch, err)
			return
		}
		body = plain
	}

	body, err := s.codec.UnpackDataBody(body)
	if err != nil {
		s.malformed(f, err)
		return
	}

	samples, err := protocol.DecodeSamples(flags, body, s.baseTimes)
	if err != nil {
		s.malformed(f, err)
		return
	}

	delivered := 0
	for _, sample := range samples {
		key, err := s.cache.Resolve(sample.ID)
		if err != nil {
			atomic.AddUint64(&s.stats.unknownSignals, 1)
			s.report(telemetry.ReasonUnknownSignal, fmt.Errorf("Signal index %d: %w", sample.ID, ErrUnknownSignal))
			continue
		}

		if s.opts.Consumer != nil {
			s.opts.Consumer.OnSample(key, sample.Timestamp, sample.Value, sample.Quality)
		}
		delivered++
	}

	atomic.AddUint64(&s.stats.samples, uint64(delivered))
	telemetry.Samples(telemetry.DirectionIn, delivered)
}

func (s *Session) handleSignalIndexCache(f protocol.Frame) {
	entries, err := s.codec.UnpackSignalIndexCache(f.Payload)
	if err != nil {
		s.malformed(f, err)
		return
	}

	if err := s.filterKnown(entries); err != nil {
		s.log.Warn("Failed to load measurement keys, accepting the signal index unchecked", zap.Error(err))
	}

	if err := s.cache.Rebuild(entries); err != nil {
		s.malformed(f, err)
		return
	}

	s.log.Debug("Signal index cache rebuilt", zap.Int("entries", len(entries)))

	if s.awaitingIndex {
		s.awaitingIndex = false
		s.releaseLagQueue()
	}
}

// filterKnown removes entries for keys the metadata source does not know.
func (s *Session) filterKnown(entries map[uint32]measurement.Key) error {
	if s.opts.Metadata == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.MetadataTimeout)
	defer cancel()

	keys, err := s.opts.Metadata.MeasurementKeys(ctx)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		return nil
	}

	known := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		known[k.String()] = struct{}{}
	}

	for id, k := range entries {
		if _, ok := known[k.String()]; !ok {
			delete(entries, id)
			atomic.AddUint64(&s.stats.unknownSignals, 1)
			s.report(telemetry.ReasonUnknownSignal, fmt.Errorf("Signal index %d for %s: %w", id, k, ErrUnknownSignal))
		}
	}

	return nil
}

func (s *Session) handleCipherKeys(f protocol.Frame) {
	pair, err := cipher.DecodeKeyPair(f.Payload, s.sealKey)
	if err == nil {
		err = s.keys.OnKeysUpdated(pair)
	}

	if err != nil {
		s.keys.Cancel()
		atomic.AddUint64(&s.stats.cipherMismatches, 1)
		s.report(telemetry.ReasonCipherMismatch, err)
		s.resolve(protocol.RotateCipherKeys, err)
		return
	}

	s.log.Debug("Cipher keys updated",
		zap.Uint32("key0", pair.Keys[0].ID),
		zap.Uint32("key1", pair.Keys[1].ID),
		zap.Int("active", pair.Active))

	s.resolve(protocol.RotateCipherKeys, nil)
}

func (s *Session) handleBufferBlock(f protocol.Frame) error {
	seq, payload, err := protocol.DecodeBufferBlock(f.Payload)
	if err != nil {
		s.malformed(f, err)
		return nil
	}

	delivered, duplicate, err := s.blocks.Accept(seq, payload)
	if err != nil {
		s.report(telemetry.ReasonTooManyPending, err)
		return nil
	}

	if duplicate {
		atomic.AddUint64(&s.stats.duplicateBlocks, 1)
		telemetry.Dropped(telemetry.ReasonDuplicateBlock)
		return s.confirmBlock(seq)
	}

	consumer, _ := s.opts.Consumer.(BufferBlockConsumer)
	for _, b := range delivered {
		if consumer != nil {
			consumer.OnBufferBlock(b.Sequence, b.Payload)
		}

		if err := s.confirmBlock(b.Sequence); err != nil {
			return err
		}
	}

	return nil
}

func (s *Session) confirmBlock(seq uint32) error {
	if err := s.send(protocol.NewCommand(protocol.ConfirmBufferBlock, 0, protocol.EncodeUint32(seq))); err != nil {
		return s.fail(protocol.BufferBlock, err)
	}

	return nil
}

func (s *Session) handleNotify(f protocol.Frame) error {
	n, err := protocol.DecodeNotification(s.codec.Text, f.Payload)
	if err != nil {
		s.malformed(f, err)
		return nil
	}

	if c, ok := s.opts.Consumer.(NotificationConsumer); ok {
		c.OnNotification(n)
	}

	if err := s.send(protocol.NewCommand(protocol.ConfirmNotification, 0, protocol.EncodeUint32(n.Hash))); err != nil {
		return s.fail(f.Code, err)
	}

	return nil
}

// handleConfigurationChanged holds back data packets until the refreshed
// metadata arrives.
func (s *Session) handleConfigurationChanged() error {
	if s.awaitingMetadata {
		return nil
	}

	if err := s.send(protocol.NewCommand(protocol.MetadataRefresh, 0, nil)); err != nil {
		return s.fail(protocol.ConfigurationChanged, err)
	}

	s.refreshes = append(s.refreshes, true)
	s.awaitingMetadata = true
	return nil
}
