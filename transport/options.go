package transport

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/gep/protocol"
	"github.com/luma/gep/storage"
)

const (
	DefaultWriteQueueSize        = 1024
	DefaultNoOPInterval          = 10 * time.Second
	DefaultBufferBlockRetransmit = 5 * time.Second
	DefaultStoreTimeout          = 3 * time.Second
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	NumListeners int

	Store storage.Store

	Log *zap.Logger

	// SharedSecret must be presented with Authenticate. When empty, any
	// subscriber may subscribe without authenticating.
	SharedSecret string

	// EncryptPayloads sends each subscriber a cipher key pair and encrypts
	// its DataPackets.
	EncryptPayloads bool

	// CipherRotationInterval rotates every subscriber's keys on a schedule,
	// zero disables it.
	CipherRotationInterval time.Duration

	// CipherIndexShift positions the 2-bit cipher index inside the
	// DataPacket flags.
	CipherIndexShift uint

	// NoOPInterval is how often an idle subscriber is sent a keepalive.
	NoOPInterval time.Duration

	// BufferBlockRetransmit is how long an unconfirmed buffer block waits
	// before it is sent again.
	BufferBlockRetransmit time.Duration

	// WriteQueueSize bounds the frames waiting to be written to one
	// subscriber. DataPackets beyond it are dropped.
	WriteQueueSize int

	Limits protocol.Limits
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.CipherIndexShift == 0 {
		o.CipherIndexShift = protocol.DefaultCipherIndexShift
	}

	if o.NoOPInterval <= 0 {
		o.NoOPInterval = DefaultNoOPInterval
	}

	if o.BufferBlockRetransmit <= 0 {
		o.BufferBlockRetransmit = DefaultBufferBlockRetransmit
	}

	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = DefaultWriteQueueSize
	}

	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = protocol.DefaultLimits()
	}
}
