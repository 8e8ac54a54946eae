package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/gep/protocol"
	"github.com/luma/gep/session"
)

const (
	DefaultWriteQueueSize = 255
	UpdateBufferSize      = 255
)

type Options struct {
	Log *zap.Logger

	// Consumer receives samples on the connection's event loop. When nil,
	// samples are sent on UpdateChan instead.
	Consumer session.Consumer

	Metadata session.MetadataSource

	OnError func(err error)

	SharedSecret string

	// InactivityTimeout ends the connection when nothing, not even a NoOP,
	// arrives for this long. Zero disables it.
	InactivityTimeout time.Duration

	// CipherRotationInterval requests new cipher keys on a schedule. Zero
	// disables it.
	CipherRotationInterval time.Duration

	CipherIndexShift     uint
	MetadataLagQueueSize int
	StrictFraming        bool
	WriteQueueSize       int
	Limits               protocol.Limits
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = DefaultWriteQueueSize
	}

	if o.Limits.MaxPayloadBytes == 0 {
		o.Limits = protocol.DefaultLimits()
	}
}
