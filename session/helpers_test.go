package session_test

import (
	"context"
	"time"

	. "github.com/onsi/gomega"

	"github.com/luma/gep/cipher"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
	"github.com/luma/gep/session"
)

type outbox struct {
	frames []protocol.Frame
}

func (o *outbox) WriteFrame(f protocol.Frame) error {
	o.frames = append(o.frames, f)
	return nil
}

func (o *outbox) codes() []protocol.Code {
	out := make([]protocol.Code, 0, len(o.frames))
	for _, f := range o.frames {
		out = append(out, f.Code)
	}
	return out
}

func (o *outbox) last() protocol.Frame {
	Expect(o.frames).NotTo(BeEmpty())
	return o.frames[len(o.frames)-1]
}

func (o *outbox) reset() {
	o.frames = nil
}

type received struct {
	Key     string
	Time    time.Time
	Value   float64
	Quality measurement.Quality
}

type consumer struct {
	samples       []received
	blocks        []uint32
	notifications []protocol.Notification
	metadata      [][]byte
	complete      []string
}

func (c *consumer) OnSample(key measurement.Key, timestamp time.Time, value float64, quality measurement.Quality) {
	c.samples = append(c.samples, received{Key: key.String(), Time: timestamp, Value: value, Quality: quality})
}

func (c *consumer) OnBufferBlock(sequence uint32, payload []byte) {
	c.blocks = append(c.blocks, sequence)
}

func (c *consumer) OnNotification(n protocol.Notification) {
	c.notifications = append(c.notifications, n)
}

func (c *consumer) OnMetadata(doc []byte) {
	c.metadata = append(c.metadata, doc)
}

func (c *consumer) OnProcessingComplete(message string) {
	c.complete = append(c.complete, message)
}

type staticMetadata []measurement.Key

func (m staticMetadata) MeasurementKeys(ctx context.Context) ([]measurement.Key, error) {
	return m, nil
}

type harness struct {
	out      *outbox
	consumer *consumer
	errs     []error
	session  *session.Session
	codec    protocol.Codec
}

func newHarness(configure func(*session.Options)) *harness {
	h := &harness{
		out:      &outbox{},
		consumer: &consumer{},
		codec:    protocol.NewCodec(protocol.DefaultOperationalModes(), protocol.DefaultLimits()),
	}

	opts := session.Options{
		Out:      h.out,
		Consumer: h.consumer,
		OnError:  func(err error) { h.errs = append(h.errs, err) },
	}

	if configure != nil {
		configure(&opts)
	}

	h.session = session.New(opts)
	return h
}

func (h *harness) handle(f protocol.Frame) {
	Expect(h.session.HandleFrame(f)).To(Succeed())
}

func (h *harness) succeeded(command protocol.Code) protocol.Frame {
	return protocol.NewResponse(protocol.Succeeded, command, nil)
}

func (h *harness) failed(command protocol.Code, message string) protocol.Frame {
	return protocol.NewResponse(protocol.Failed, command, protocol.EncodeText(h.codec.Text, message))
}

func (h *harness) authenticate(secret string) {
	Expect(h.session.Connect()).To(Succeed())
	Expect(h.session.Authenticate(protocol.Credentials{SharedSecret: secret})).To(Succeed())
	h.handle(h.succeeded(protocol.Authenticate))
	Expect(h.session.Phase()).To(Equal(session.Negotiated))
}

func (h *harness) subscribe(secret string) {
	h.authenticate(secret)

	Expect(h.session.Subscribe(protocol.Subscription{})).To(Succeed())
	h.handle(h.succeeded(protocol.Subscribe))
	Expect(h.session.Phase()).To(Equal(session.Subscribed))
}

func (h *harness) signalIndex(entries map[uint32]measurement.Key) protocol.Frame {
	payload, err := h.codec.PackSignalIndexCache(entries)
	Expect(err).To(Succeed())

	return protocol.Frame{Code: protocol.UpdateSignalIndexCache, Payload: payload}
}

func (h *harness) dataPacket(samples ...protocol.WireSample) protocol.Frame {
	body, err := protocol.EncodeSamples(protocol.NoFlags, time.Time{}, samples, nil)
	Expect(err).To(Succeed())

	return protocol.Frame{Code: protocol.DataPacket, Payload: body}
}

func (h *harness) encryptedPacket(keys *cipher.Manager, slot int, samples ...protocol.WireSample) protocol.Frame {
	f := h.dataPacket(samples...)

	body, err := keys.Encrypt(slot, f.Payload)
	Expect(err).To(Succeed())

	f.Payload = body
	f.Flags = byte(protocol.NoFlags.WithCipherIndex(protocol.DefaultCipherIndexShift, slot))

	return f
}

func sample(id uint32, value float64) protocol.WireSample {
	return protocol.WireSample{
		ID:        id,
		Timestamp: time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC),
		Value:     value,
	}
}
