package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/luma/gep/measurement"
	"github.com/luma/gep/protocol"
)

const (
	DefaultMetadataLagQueueSize = 64
	DefaultCipherIndexShift     = protocol.DefaultCipherIndexShift
	DefaultMetadataTimeout      = 3 * time.Second
)

// Consumer receives every decoded sample, in arrival order within a
// DataPacket.
type Consumer interface {
	OnSample(key measurement.Key, timestamp time.Time, value float64, quality measurement.Quality)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(key measurement.Key, timestamp time.Time, value float64, quality measurement.Quality)

func (fn ConsumerFunc) OnSample(key measurement.Key, timestamp time.Time, value float64, quality measurement.Quality) {
	fn(key, timestamp, value, quality)
}

// A Consumer may also implement any of the following to see the rest of
// the stream.

type BufferBlockConsumer interface {
	OnBufferBlock(sequence uint32, payload []byte)
}

type NotificationConsumer interface {
	OnNotification(n protocol.Notification)
}

type ProcessingConsumer interface {
	OnProcessingComplete(message string)
}

type MetadataConsumer interface {
	OnMetadata(doc []byte)
}

// MetadataSource supplies the canonical measurement keys. When it returns a
// non-empty list, signal index entries for any other key are rejected.
type MetadataSource interface {
	MeasurementKeys(ctx context.Context) ([]measurement.Key, error)
}

type Options struct {
	Log *zap.Logger

	// Out receives every outbound frame. It must not block.
	Out protocol.FrameWriter

	Consumer Consumer

	Metadata MetadataSource

	// OnError is told about per-item problems (cipher mismatches, unknown
	// signals, dropped packets) that do not end the connection.
	OnError func(err error)

	// CipherIndexShift positions the 2-bit cipher index inside the
	// DataPacket flags.
	CipherIndexShift uint

	// MetadataLagQueueSize bounds the DataPackets held while a metadata
	// refresh triggered by ConfigurationChanged is outstanding.
	MetadataLagQueueSize int

	// MaxPendingBlocks bounds buffer blocks held behind a gap, zero is
	// unbounded.
	MaxPendingBlocks int

	// StrictFraming makes unknown frame codes fatal in every phase.
	StrictFraming bool

	Limits protocol.Limits

	MetadataTimeout time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.Out == nil {
		o.Out = protocol.FrameWriterFunc(func(protocol.Frame) error { return nil })
	}

	if o.CipherIndexShift == 0 {
		o.CipherIndexShift = DefaultCipherIndexShift
	}

	if o.MetadataLagQueueSize <= 0 {
		o.MetadataLagQueueSize = DefaultMetadataLagQueueSize
	}

	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = protocol.DefaultLimits()
	}

	if o.MetadataTimeout <= 0 {
		o.MetadataTimeout = DefaultMetadataTimeout
	}

	if o.Now == nil {
		o.Now = time.Now
	}
}
