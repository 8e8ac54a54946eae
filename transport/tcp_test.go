package transport_test

import (
	"context"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/gep/cipher"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
	"github.com/luma/gep/storage"
	"github.com/luma/gep/transport"
)

const secret = "s3cret"

var (
	ppa1 = measurement.NewKey("PPA", 1)
	ppa2 = measurement.NewKey("PPA", 2)

	unicode = protocol.NewTextCodec(protocol.EncodingUnicode)
)

type peer struct {
	conn net.Conn
}

func dial(tcp *transport.TCP) *peer {
	conn, err := net.Dial("tcp", tcp.Addr().String())
	Expect(err).To(Succeed())
	return &peer{conn: conn}
}

func (p *peer) send(f protocol.Frame) {
	Expect(protocol.WriteFrame(p.conn, f)).To(Succeed())
}

// next returns the next frame that is not a keepalive.
func (p *peer) next() protocol.Frame {
	Expect(p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())

	for {
		f, err := protocol.ReadFrame(p.conn, protocol.DefaultLimits())
		Expect(err).To(Succeed())

		if f.Code != protocol.NoOP {
			return f
		}
	}
}

func (p *peer) expect(code protocol.Code) protocol.Frame {
	f := p.next()
	Expect(f.Code).To(Equal(code), protocol.DecodeText(unicode, f.Payload))
	return f
}

func (p *peer) authenticate(sharedSecret string) {
	f, err := protocol.EncodeAuthenticate(unicode, protocol.Credentials{SharedSecret: sharedSecret})
	Expect(err).To(Succeed())
	p.send(f)
}

func (p *peer) subscribe(sub protocol.Subscription) {
	f, err := protocol.EncodeSubscribe(unicode, sub)
	Expect(err).To(Succeed())
	p.send(f)
}

func (p *peer) close() {
	p.conn.Close()
}

func makeTCPServer(store storage.Store, configure func(*transport.Options)) *transport.TCP {
	opts := transport.Options{
		Host:         "127.0.0.1",
		Port:         0,
		Store:        store,
		SharedSecret: secret,
		Log:          zap.NewNop(),
	}

	if configure != nil {
		configure(&opts)
	}

	tcp := transport.NewTCP(opts)
	Expect(tcp.Start(context.Background())).To(Succeed())

	return tcp
}

var _ = Describe("transport", func() {
	var (
		ctx   context.Context
		store *storage.InmemoryStore
		tcp   *transport.TCP
		at    = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = storage.NewInmemoryStore()
		Expect(store.Define(ctx, ppa1, "Frequency")).To(Succeed())
		Expect(store.Define(ctx, ppa2, "Voltage")).To(Succeed())
	})

	AfterEach(func() {
		Expect(tcp.Close()).To(Succeed())
		Expect(store.Close()).To(Succeed())
	})

	subscribed := func(sub protocol.Subscription) *peer {
		p := dial(tcp)

		p.authenticate(secret)
		p.expect(protocol.Succeeded)

		p.send(protocol.NewCommand(protocol.DefineOperationalModes, 0, protocol.EncodeModes(protocol.DefaultOperationalModes())))

		p.subscribe(sub)
		Expect(p.expect(protocol.Succeeded).InResponseTo()).To(Equal(protocol.Subscribe))

		return p
	}

	Describe("TCP", func() {
		It("listens on the desired port", func() {
			tcp = makeTCPServer(store, nil)

			conn, err := net.Dial("tcp", tcp.Addr().String())
			Expect(err).To(Succeed())
			conn.Close()
		})

		It("streams published samples to a subscriber", func() {
			tcp = makeTCPServer(store, nil)
			p := subscribed(protocol.Subscription{Keys: []measurement.Key{ppa1}})
			defer p.close()

			f := p.expect(protocol.UpdateSignalIndexCache)
			entries, err := protocol.DecodeSignalIndexCache(unicode, f.Payload)
			Expect(err).To(Succeed())
			Expect(entries).To(Equal(map[uint32]measurement.Key{1: ppa1}))

			p.expect(protocol.DataStartTime)

			Expect(store.Publish(ctx, []measurement.Sample{
				{Key: ppa2, Timestamp: at, Value: 230},
				{Key: ppa1, Timestamp: at, Value: 59.98},
			})).To(Succeed())

			f = p.expect(protocol.DataPacket)
			samples, err := protocol.DecodeSamples(f.DataPacketFlags(), f.Payload, nil)
			Expect(err).To(Succeed())
			Expect(samples).To(HaveLen(1))
			Expect(samples[0].ID).To(Equal(uint32(1)))
			Expect(samples[0].Value).To(Equal(59.98))
			Expect(samples[0].Timestamp).To(BeTemporally("==", at))
		})

		It("disconnects a subscriber with the wrong secret", func() {
			tcp = makeTCPServer(store, nil)
			p := dial(tcp)
			defer p.close()

			p.authenticate("nope")
			f := p.expect(protocol.Failed)
			Expect(f.InResponseTo()).To(Equal(protocol.Authenticate))

			Expect(p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			_, err := protocol.ReadFrame(p.conn, protocol.DefaultLimits())
			Expect(err).To(MatchError(io.EOF))
		})

		It("refuses commands before authentication", func() {
			tcp = makeTCPServer(store, nil)
			p := dial(tcp)
			defer p.close()

			p.subscribe(protocol.Subscription{})
			Expect(p.expect(protocol.Failed).InResponseTo()).To(Equal(protocol.Subscribe))
		})

		It("rejects an unsupported protocol version", func() {
			tcp = makeTCPServer(store, nil)
			p := dial(tcp)
			defer p.close()

			p.authenticate(secret)
			p.expect(protocol.Succeeded)

			modes := protocol.NewOperationalModes(7, protocol.CompressionNone, protocol.EncodingUnicode, 0)
			p.send(protocol.NewCommand(protocol.DefineOperationalModes, 0, protocol.EncodeModes(modes)))

			Expect(p.expect(protocol.Failed).InResponseTo()).To(Equal(protocol.DefineOperationalModes))
		})

		It("fails a subscription to an unknown measurement", func() {
			tcp = makeTCPServer(store, nil)
			p := dial(tcp)
			defer p.close()

			p.authenticate(secret)
			p.expect(protocol.Succeeded)

			p.subscribe(protocol.Subscription{Keys: []measurement.Key{measurement.NewKey("XYZ", 9)}})
			f := p.expect(protocol.Failed)
			Expect(f.InResponseTo()).To(Equal(protocol.Subscribe))
			Expect(protocol.DecodeText(unicode, f.Payload)).To(ContainSubstring("XYZ:9"))
		})

		It("answers MetadataRefresh with the metadata document", func() {
			tcp = makeTCPServer(store, nil)
			p := dial(tcp)
			defer p.close()

			p.authenticate(secret)
			p.expect(protocol.Succeeded)

			p.send(protocol.NewCommand(protocol.MetadataRefresh, 0, nil))
			f := p.expect(protocol.Succeeded)
			Expect(f.InResponseTo()).To(Equal(protocol.MetadataRefresh))

			doc, err := protocol.NewCodec(protocol.DefaultOperationalModes(), protocol.DefaultLimits()).UnpackMetadata(f.Payload)
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(doc, "measurements."+ppa1.SignalID.String()+".source").String()).To(Equal("PPA"))
		})

		It("announces configuration changes", func() {
			tcp = makeTCPServer(store, nil)
			p := dial(tcp)
			defer p.close()

			p.authenticate(secret)
			p.expect(protocol.Succeeded)

			Expect(store.Define(ctx, measurement.NewKey("PPA", 3), "")).To(Succeed())
			p.expect(protocol.ConfigurationChanged)
		})

		It("encrypts data packets with keys sealed by the shared secret", func() {
			tcp = makeTCPServer(store, func(o *transport.Options) { o.EncryptPayloads = true })
			p := subscribed(protocol.Subscription{})
			defer p.close()

			p.expect(protocol.UpdateSignalIndexCache)

			f := p.expect(protocol.UpdateCipherKeys)
			pair, err := cipher.DecodeKeyPair(f.Payload, cipher.DeriveSealKey(secret))
			Expect(err).To(Succeed())

			keys := cipher.NewManager(nil)
			Expect(keys.OnKeysUpdated(pair)).To(Succeed())

			p.expect(protocol.DataStartTime)

			Expect(store.Publish(ctx, []measurement.Sample{{Key: ppa2, Timestamp: at, Value: 1}})).To(Succeed())

			f = p.expect(protocol.DataPacket)
			index := f.DataPacketFlags().CipherIndexAt(protocol.DefaultCipherIndexShift)
			Expect(index).To(Equal(pair.Active))

			body, err := keys.Decrypt(index, f.Payload)
			Expect(err).To(Succeed())

			samples, err := protocol.DecodeSamples(protocol.NoFlags, body, nil)
			Expect(err).To(Succeed())
			Expect(samples).To(HaveLen(1))

			p.send(protocol.NewCommand(protocol.RotateCipherKeys, 0, nil))
			f = p.expect(protocol.UpdateCipherKeys)
			next, err := cipher.DecodeKeyPair(f.Payload, cipher.DeriveSealKey(secret))
			Expect(err).To(Succeed())
			Expect(next.Active).NotTo(Equal(pair.Active))
			Expect(next.Keys[pair.Active]).To(Equal(pair.Keys[pair.Active]))
		})

		It("sends compact samples relative to the base times", func() {
			tcp = makeTCPServer(store, nil)
			p := subscribed(protocol.Subscription{Flags: protocol.Compact})
			defer p.close()

			p.expect(protocol.UpdateSignalIndexCache)
			f := p.expect(protocol.UpdateBaseTimes)
			_, err := protocol.DecodeBaseTimes(f.Payload)
			Expect(err).To(Succeed())
			p.expect(protocol.DataStartTime)

			// The sample predates the base times, so they move.
			Expect(store.Publish(ctx, []measurement.Sample{{Key: ppa1, Timestamp: at, Value: 2}})).To(Succeed())

			f = p.expect(protocol.UpdateBaseTimes)
			bt, err := protocol.DecodeBaseTimes(f.Payload)
			Expect(err).To(Succeed())
			Expect(bt.Times[bt.Index]).To(BeTemporally("==", at))

			f = p.expect(protocol.DataPacket)
			samples, err := protocol.DecodeSamples(f.DataPacketFlags(), f.Payload, &bt)
			Expect(err).To(Succeed())
			Expect(samples[0].Timestamp).To(BeTemporally("==", at))
			Expect(samples[0].Value).To(Equal(2.0))
		})

		It("retransmits buffer blocks until they are confirmed", func() {
			tcp = makeTCPServer(store, func(o *transport.Options) { o.BufferBlockRetransmit = 50 * time.Millisecond })
			p := subscribed(protocol.Subscription{})
			defer p.close()

			p.expect(protocol.UpdateSignalIndexCache)
			p.expect(protocol.DataStartTime)

			Expect(tcp.PublishBufferBlock([]byte("block"))).To(Succeed())

			f := p.expect(protocol.BufferBlock)
			seq, data, err := protocol.DecodeBufferBlock(f.Payload)
			Expect(err).To(Succeed())
			Expect(seq).To(Equal(uint32(1)))
			Expect(data).To(Equal([]byte("block")))

			f = p.expect(protocol.BufferBlock)
			seq, _, err = protocol.DecodeBufferBlock(f.Payload)
			Expect(err).To(Succeed())
			Expect(seq).To(Equal(uint32(1)))

			p.send(protocol.NewCommand(protocol.ConfirmBufferBlock, 0, protocol.EncodeUint32(1)))
			Eventually(func() int {
				status := tcp.Status()
				if len(status) != 1 {
					return -1
				}
				return status[0].PendingBlocks
			}).Should(Equal(0))
		})

		It("keeps notifications until they are confirmed", func() {
			tcp = makeTCPServer(store, nil)
			p := dial(tcp)
			defer p.close()

			p.authenticate(secret)
			p.expect(protocol.Succeeded)

			Expect(tcp.Notify("maintenance at noon")).To(Succeed())

			f := p.expect(protocol.Notify)
			n, err := protocol.DecodeNotification(unicode, f.Payload)
			Expect(err).To(Succeed())
			Expect(n.Message).To(Equal("maintenance at noon"))
			Expect(tcp.Status()[0].PendingNotifications).To(Equal(1))

			p.send(protocol.NewCommand(protocol.ConfirmNotification, 0, protocol.EncodeUint32(n.Hash)))
			Eventually(func() int { return tcp.Status()[0].PendingNotifications }).Should(Equal(0))
		})

		It("writes measurements published by a subscriber into the store", func() {
			tcp = makeTCPServer(store, nil)
			p := subscribed(protocol.Subscription{Keys: []measurement.Key{ppa1, ppa2}})
			defer p.close()

			p.expect(protocol.UpdateSignalIndexCache)
			p.expect(protocol.DataStartTime)

			body, err := protocol.EncodeSamples(protocol.NoFlags, time.Time{}, []protocol.WireSample{{ID: 2, Timestamp: at, Value: 7}}, nil)
			Expect(err).To(Succeed())
			p.send(protocol.NewCommand(protocol.PublishCommandMeasurements, 0, body))

			// The published sample is streamed back and may arrive first.
			f := p.next()
			if f.Code == protocol.DataPacket {
				f = p.next()
			}
			Expect(f.Code).To(Equal(protocol.Succeeded))
			Expect(f.InResponseTo()).To(Equal(protocol.PublishCommandMeasurements))

			latest, err := store.Latest(ctx, ppa2)
			Expect(err).To(Succeed())
			Expect(latest.Value).To(Equal(7.0))
		})

		It("throttles samples to the processing interval", func() {
			tcp = makeTCPServer(store, nil)
			p := subscribed(protocol.Subscription{ProcessingInterval: 500 * time.Millisecond})
			defer p.close()

			p.expect(protocol.UpdateSignalIndexCache)
			p.expect(protocol.DataStartTime)

			Expect(store.Publish(ctx, []measurement.Sample{{Key: ppa1, Timestamp: at, Value: 1}})).To(Succeed())
			Expect(store.Publish(ctx, []measurement.Sample{{Key: ppa1, Timestamp: at.Add(time.Second), Value: 2}})).To(Succeed())

			f := p.expect(protocol.DataPacket)
			samples, err := protocol.DecodeSamples(protocol.NoFlags, f.Payload, nil)
			Expect(err).To(Succeed())
			Expect(samples).To(HaveLen(1))
			Expect(samples[0].Value).To(Equal(2.0))
		})

		It("keeps the subscriber alive with NoOP", func() {
			tcp = makeTCPServer(store, func(o *transport.Options) { o.NoOPInterval = 20 * time.Millisecond })
			p := dial(tcp)
			defer p.close()

			Expect(p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			f, err := protocol.ReadFrame(p.conn, protocol.DefaultLimits())
			Expect(err).To(Succeed())
			Expect(f.Code).To(Equal(protocol.NoOP))
		})
	})
})
