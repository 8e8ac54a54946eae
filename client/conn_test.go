package client_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/gep/client"
	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
	"github.com/luma/gep/session"
	"github.com/luma/gep/storage"
	"github.com/luma/gep/transport"
)

const secret = "s3cret"

var (
	ppa1 = measurement.NewKey("PPA", 1)
	ppa2 = measurement.NewKey("PPA", 2)
)

// recorder is called from the connection's event loop and read from the
// test goroutine.
type recorder struct {
	mu            sync.Mutex
	samples       map[measurement.Key][]float64
	blocks        []uint32
	notifications []string
	metadata      [][]byte
}

func newRecorder() *recorder {
	return &recorder{samples: map[measurement.Key][]float64{}}
}

func (r *recorder) OnSample(key measurement.Key, _ time.Time, value float64, _ measurement.Quality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[key] = append(r.samples[key], value)
}

func (r *recorder) OnBufferBlock(sequence uint32, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = append(r.blocks, sequence)
}

func (r *recorder) OnNotification(n protocol.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n.Message)
}

func (r *recorder) OnMetadata(doc []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata = append(r.metadata, doc)
}

func (r *recorder) values(key measurement.Key) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.samples[key]...)
}

func (r *recorder) blockSequences() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint32(nil), r.blocks...)
}

func (r *recorder) notificationMessages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.notifications...)
}

func (r *recorder) metadataDocs() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.metadata...)
}

var _ = Describe("Conn", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		store    *storage.InmemoryStore
		tcp      *transport.TCP
		conn     *client.Conn
		consumer *recorder
		at       = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)
	)

	startPublisher := func(configure func(*transport.Options)) {
		opts := transport.Options{
			Host:         "127.0.0.1",
			Store:        store,
			SharedSecret: secret,
			Log:          zap.NewNop(),
		}

		if configure != nil {
			configure(&opts)
		}

		tcp = transport.NewTCP(opts)
		Expect(tcp.Start(context.Background())).To(Succeed())
	}

	connect := func(configure func(*client.Options)) {
		opts := client.Options{
			Log:          zap.NewNop(),
			Consumer:     consumer,
			SharedSecret: secret,
		}

		if configure != nil {
			configure(&opts)
		}

		conn = client.New(opts)
		Expect(conn.Connect(ctx, tcp.Addr().String())).To(Succeed())
	}

	subscribe := func(sub protocol.Subscription) {
		Expect(conn.Authenticate(ctx)).To(Succeed())
		Expect(conn.DefineOperationalModes(ctx, protocol.DefaultOperationalModes())).To(Succeed())
		Expect(conn.Subscribe(ctx, sub)).To(Succeed())
		Expect(conn.Phase()).To(Equal(session.Subscribed))
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		consumer = newRecorder()

		store = storage.NewInmemoryStore()
		Expect(store.Define(ctx, ppa1, "Frequency")).To(Succeed())
		Expect(store.Define(ctx, ppa2, "Voltage")).To(Succeed())

		tcp = nil
		conn = nil
	})

	AfterEach(func() {
		if conn != nil {
			conn.Disconnect()
		}

		if tcp != nil {
			Expect(tcp.Close()).To(Succeed())
		}

		Expect(store.Close()).To(Succeed())
		cancel()
	})

	It("receives the samples it subscribed to", func() {
		startPublisher(nil)
		connect(nil)
		subscribe(protocol.Subscription{Keys: []measurement.Key{ppa1}})

		Expect(conn.SignalIndex()).To(HaveKeyWithValue(uint32(1), ppa1))

		Expect(store.Publish(ctx, []measurement.Sample{
			{Key: ppa1, Timestamp: at, Value: 59.98},
			{Key: ppa2, Timestamp: at, Value: 230},
		})).To(Succeed())

		Eventually(func() []float64 { return consumer.values(ppa1) }).Should(Equal([]float64{59.98}))
		Consistently(func() []float64 { return consumer.values(ppa2) }, 200*time.Millisecond).Should(BeEmpty())
		Expect(conn.Stats().Samples).To(BeNumerically(">=", 1))
	})

	It("delivers samples on the update channel without a consumer", func() {
		startPublisher(nil)

		conn = client.New(client.Options{Log: zap.NewNop(), SharedSecret: secret})
		Expect(conn.Connect(ctx, tcp.Addr().String())).To(Succeed())
		subscribe(protocol.Subscription{})

		Expect(store.Publish(ctx, []measurement.Sample{{Key: ppa2, Timestamp: at, Value: 231.5}})).To(Succeed())

		var update *client.Update
		Eventually(conn.UpdateChan()).Should(Receive(&update))
		Expect(update.Key).To(Equal(ppa2))
		Expect(update.Value).To(Equal(231.5))
		Expect(update.Timestamp).To(BeTemporally("==", at))
	})

	It("fails to authenticate with the wrong secret", func() {
		startPublisher(nil)
		connect(func(o *client.Options) { o.SharedSecret = "nope" })

		err := conn.Authenticate(ctx)

		var connErr *session.ConnectionError
		Expect(errors.As(err, &connErr)).To(BeTrue())
		Expect(connErr.Code).To(Equal(protocol.Failed))

		Eventually(conn.Done()).Should(BeClosed())
		Expect(conn.Err()).To(MatchError(connErr))
		Expect(conn.Phase()).To(Equal(session.Disconnected))
	})

	It("refuses commands out of order", func() {
		startPublisher(nil)
		connect(nil)

		err := conn.Subscribe(ctx, protocol.Subscription{})
		Expect(errors.Is(err, session.ErrInvalidPhase)).To(BeTrue())
		Expect(conn.Phase()).To(Equal(session.Connecting))
	})

	It("ends the connection on modes it cannot negotiate", func() {
		startPublisher(nil)
		connect(nil)
		Expect(conn.Authenticate(ctx)).To(Succeed())

		err := conn.DefineOperationalModes(ctx, protocol.NewOperationalModes(9, protocol.CompressionNone, protocol.EncodingUnicode, 0))
		Expect(errors.Is(err, protocol.ErrUnsupportedVersion)).To(BeTrue())

		Eventually(conn.Done()).Should(BeClosed())
		Expect(conn.Err()).To(MatchError(err))

		err = conn.Subscribe(ctx, protocol.Subscription{})
		Expect(err).To(HaveOccurred())
	})

	It("resubscribes without reconnecting", func() {
		startPublisher(nil)
		connect(nil)
		subscribe(protocol.Subscription{Keys: []measurement.Key{ppa1}})

		Expect(conn.Subscribe(ctx, protocol.Subscription{Keys: []measurement.Key{ppa2}})).To(Succeed())
		Eventually(conn.SignalIndex).Should(Equal(map[uint32]measurement.Key{1: ppa2}))

		Expect(store.Publish(ctx, []measurement.Sample{
			{Key: ppa1, Timestamp: at, Value: 60},
			{Key: ppa2, Timestamp: at, Value: 229},
		})).To(Succeed())

		Eventually(func() []float64 { return consumer.values(ppa2) }).Should(Equal([]float64{229}))
		Consistently(func() []float64 { return consumer.values(ppa1) }, 200*time.Millisecond).Should(BeEmpty())
	})

	It("decrypts payloads and rotates keys", func() {
		startPublisher(func(o *transport.Options) { o.EncryptPayloads = true })
		connect(nil)
		subscribe(protocol.Subscription{Keys: []measurement.Key{ppa1}})

		first := conn.CipherKeys()
		Expect(store.Publish(ctx, []measurement.Sample{{Key: ppa1, Timestamp: at, Value: 1}})).To(Succeed())
		Eventually(func() []float64 { return consumer.values(ppa1) }).Should(Equal([]float64{1}))

		Expect(conn.RotateCipherKeys(ctx)).To(Succeed())
		Expect(conn.CipherKeys()).NotTo(Equal(first))

		Expect(store.Publish(ctx, []measurement.Sample{{Key: ppa1, Timestamp: at.Add(time.Second), Value: 2}})).To(Succeed())
		Eventually(func() []float64 { return consumer.values(ppa1) }).Should(Equal([]float64{1, 2}))
		Expect(conn.Stats().CipherMismatches).To(BeZero())
	})

	It("refreshes metadata", func() {
		startPublisher(nil)
		connect(nil)
		subscribe(protocol.Subscription{})

		Expect(conn.RefreshMetadata(ctx)).To(Succeed())

		docs := consumer.metadataDocs()
		Expect(docs).To(HaveLen(1))
		Expect(gjson.GetBytes(docs[0], "measurements."+ppa1.SignalID.String()+".description").String()).To(Equal("Frequency"))
	})

	It("confirms buffer blocks and notifications", func() {
		startPublisher(nil)
		connect(nil)
		subscribe(protocol.Subscription{})

		Expect(tcp.PublishBufferBlock([]byte("a"))).To(Succeed())
		Expect(tcp.PublishBufferBlock([]byte("b"))).To(Succeed())
		Expect(tcp.Notify("Maintenance at noon")).To(Succeed())

		Eventually(consumer.blockSequences).Should(Equal([]uint32{1, 2}))
		Eventually(consumer.notificationMessages).Should(Equal([]string{"Maintenance at noon"}))

		// Confirmed blocks are not retransmitted.
		Eventually(func() int {
			status := tcp.Status()
			if len(status) != 1 {
				return -1
			}
			return status[0].PendingBlocks
		}).Should(BeZero())
	})

	It("publishes command measurements back to the publisher", func() {
		startPublisher(nil)
		connect(nil)
		subscribe(protocol.Subscription{Keys: []measurement.Key{ppa2}})

		Expect(conn.PublishMeasurements(ctx, []measurement.Sample{{Key: ppa2, Timestamp: at, Value: 229}})).To(Succeed())

		latest, err := store.Latest(ctx, ppa2)
		Expect(err).To(Succeed())
		Expect(latest.Value).To(Equal(229.0))
	})

	It("updates the processing interval", func() {
		startPublisher(nil)
		connect(nil)
		subscribe(protocol.Subscription{})

		Expect(conn.UpdateProcessingInterval(ctx, 100*time.Millisecond)).To(Succeed())
	})

	It("ends cleanly on unsubscribe", func() {
		startPublisher(nil)
		connect(nil)
		subscribe(protocol.Subscription{})

		Expect(conn.Unsubscribe(ctx)).To(Succeed())
		Expect(conn.Done()).To(BeClosed())
		Expect(conn.Err()).To(BeNil())
		Expect(conn.Phase()).To(Equal(session.Disconnected))

		Eventually(tcp.Status).Should(BeEmpty())
	})

	It("gives up on a silent publisher", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())
		defer listener.Close()

		go func() {
			defer GinkgoRecover()
			c, err := listener.Accept()
			if err == nil {
				defer c.Close()
				<-ctx.Done()
			}
		}()

		conn = client.New(client.Options{Log: zap.NewNop(), Consumer: consumer, InactivityTimeout: 200 * time.Millisecond})
		Expect(conn.Connect(ctx, listener.Addr().String())).To(Succeed())

		Eventually(conn.Done(), 2*time.Second).Should(BeClosed())
		Expect(errors.Is(conn.Err(), client.ErrInactive)).To(BeTrue())
	})

	It("answers waiting commands when disconnected", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())
		defer listener.Close()

		go func() {
			defer GinkgoRecover()
			c, err := listener.Accept()
			if err == nil {
				defer c.Close()
				<-ctx.Done()
			}
		}()

		conn = client.New(client.Options{Log: zap.NewNop(), Consumer: consumer})
		Expect(conn.Connect(ctx, listener.Addr().String())).To(Succeed())

		result := make(chan error, 1)
		go func() {
			result <- conn.Authenticate(ctx)
		}()

		Eventually(conn.Phase).Should(Equal(session.Authenticating))
		Expect(conn.Disconnect()).To(Succeed())
		Eventually(result).Should(Receive(MatchError(session.ErrTerminated)))
	})
})
