package protocol

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/luma/gep/measurement"
)

const (
	settingSharedSecret         = "sharedsecret"
	settingInputMeasurementKeys = "inputmeasurementkeys"
	settingProcessingInterval   = "processinginterval"
	settingIncludeTime          = "includetime"

	allMeasurements = "*"
)

// Credentials are sent with Authenticate.
type Credentials struct {
	SharedSecret string
}

func EncodeAuthenticate(codec TextCodec, creds Credentials) (Frame, error) {
	payload, err := codec.Encode(FormatConnectionString(map[string]string{
		settingSharedSecret: creds.SharedSecret,
	}))
	if err != nil {
		return Frame{}, err
	}

	return NewCommand(Authenticate, 0, payload), nil
}

func DecodeAuthenticate(codec TextCodec, f Frame) (Credentials, error) {
	s, err := codec.Decode(f.Payload)
	if err != nil {
		return Credentials{}, err
	}

	settings := ParseConnectionString(s)
	return Credentials{SharedSecret: settings[settingSharedSecret]}, nil
}

// Subscription describes what a subscriber wants to receive.
type Subscription struct {
	Flags DataPacketFlags

	// Keys filters the published measurements. Empty means everything.
	Keys []measurement.Key

	// ProcessingInterval throttles publication, zero publishes as fast as
	// samples arrive.
	ProcessingInterval time.Duration

	IncludeTime bool
}

func (s Subscription) Synchronized() bool {
	return s.Flags.Has(Synchronized)
}

func (s Subscription) Compact() bool {
	return s.Flags.Has(Compact)
}

// EncodeSubscribe builds a Subscribe command: flags carry the requested
// DataPacketFlags, the payload is `[u32 length][connection string]`.
func EncodeSubscribe(codec TextCodec, sub Subscription) (Frame, error) {
	keys := allMeasurements
	if len(sub.Keys) > 0 {
		parts := make([]string, 0, len(sub.Keys))
		for _, k := range sub.Keys {
			parts = append(parts, k.String())
		}
		keys = strings.Join(parts, ";")
	}

	settings := map[string]string{
		settingInputMeasurementKeys: keys,
		settingIncludeTime:          strconv.FormatBool(sub.IncludeTime),
	}

	if sub.ProcessingInterval > 0 {
		settings[settingProcessingInterval] = strconv.FormatInt(int64(sub.ProcessingInterval/time.Millisecond), 10)
	}

	payload, err := codec.AppendString(nil, FormatConnectionString(settings))
	if err != nil {
		return Frame{}, err
	}

	return NewCommand(Subscribe, byte(sub.Flags&(Synchronized|Compact)), payload), nil
}

func DecodeSubscribe(codec TextCodec, f Frame) (Subscription, error) {
	s, _, err := codec.ReadString(f.Payload)
	if err != nil {
		return Subscription{}, fmt.Errorf("Failed to read subscribe connection string: %w", err)
	}

	settings := ParseConnectionString(s)
	sub := Subscription{
		Flags:       DataPacketFlags(f.Flags) & (Synchronized | Compact),
		IncludeTime: true,
	}

	if v, ok := settings[settingIncludeTime]; ok {
		if sub.IncludeTime, err = strconv.ParseBool(v); err != nil {
			return Subscription{}, fmt.Errorf("Failed to parse includeTime '%s': %w", v, ErrPayloadMalformed)
		}
	}

	if v, ok := settings[settingProcessingInterval]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Subscription{}, fmt.Errorf("Failed to parse processingInterval '%s': %w", v, ErrPayloadMalformed)
		}
		if ms > 0 {
			sub.ProcessingInterval = time.Duration(ms) * time.Millisecond
		}
	}

	if v := strings.TrimSpace(settings[settingInputMeasurementKeys]); v != "" && v != allMeasurements {
		for _, part := range strings.Split(v, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			k, err := measurement.ParseKey(part)
			if err != nil {
				return Subscription{}, err
			}
			sub.Keys = append(sub.Keys, measurement.NewKey(k.Source, k.ID))
		}
	}

	return sub, nil
}

// EncodeText builds a payload holding only text, used by Succeeded, Failed
// and ProcessingComplete.
func EncodeText(codec TextCodec, s string) []byte {
	b, err := codec.Encode(s)
	if err != nil {
		// Fall back to the raw bytes rather than losing the message.
		return []byte(s)
	}

	return b
}

func DecodeText(codec TextCodec, payload []byte) string {
	s, err := codec.Decode(payload)
	if err != nil {
		return string(payload)
	}

	return s
}

func EncodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func DecodeUint32(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, ErrPayloadTruncated
	}

	return binary.BigEndian.Uint32(payload), nil
}

// EncodeProcessingInterval is the UpdateProcessingInterval payload. A
// negative interval asks the publisher for its default.
func EncodeProcessingInterval(d time.Duration) []byte {
	ms := int32(-1)
	if d >= 0 {
		ms = int32(d / time.Millisecond)
	}

	return EncodeUint32(uint32(ms))
}

func DecodeProcessingInterval(payload []byte) (time.Duration, error) {
	v, err := DecodeUint32(payload)
	if err != nil {
		return 0, err
	}

	ms := int32(v)
	if ms < 0 {
		return -1, nil
	}

	return time.Duration(ms) * time.Millisecond, nil
}

func EncodeTime(t time.Time) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

func DecodeTime(payload []byte) (time.Time, error) {
	if len(payload) < 8 {
		return time.Time{}, ErrPayloadTruncated
	}

	return time.Unix(0, int64(binary.BigEndian.Uint64(payload))).UTC(), nil
}

// Notification is pushed by the publisher with Notify and acknowledged by
// ConfirmNotification carrying its hash.
type Notification struct {
	Hash    uint32
	Message string
}

func EncodeNotification(codec TextCodec, n Notification) []byte {
	return append(EncodeUint32(n.Hash), EncodeText(codec, n.Message)...)
}

func DecodeNotification(codec TextCodec, payload []byte) (Notification, error) {
	hash, err := DecodeUint32(payload)
	if err != nil {
		return Notification{}, err
	}

	return Notification{Hash: hash, Message: DecodeText(codec, payload[4:])}, nil
}

// EncodeBufferBlock is the BufferBlock payload: `[u32 sequence][data]`.
func EncodeBufferBlock(sequence uint32, data []byte) []byte {
	return append(EncodeUint32(sequence), data...)
}

func DecodeBufferBlock(payload []byte) (uint32, []byte, error) {
	seq, err := DecodeUint32(payload)
	if err != nil {
		return 0, nil, err
	}

	return seq, payload[4:], nil
}

// BaseTimes anchor the relative timestamps of compact samples. Index
// selects which of the two bases new samples are relative to.
type BaseTimes struct {
	Index int32
	Times [2]time.Time
}

func EncodeBaseTimes(bt BaseTimes) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint32(b[0:4], uint32(bt.Index))
	binary.BigEndian.PutUint64(b[4:12], uint64(bt.Times[0].UnixNano()))
	binary.BigEndian.PutUint64(b[12:20], uint64(bt.Times[1].UnixNano()))
	return b
}

func DecodeBaseTimes(payload []byte) (BaseTimes, error) {
	if len(payload) < 20 {
		return BaseTimes{}, ErrPayloadTruncated
	}

	bt := BaseTimes{Index: int32(binary.BigEndian.Uint32(payload[0:4]))}
	if bt.Index != 0 && bt.Index != 1 {
		return BaseTimes{}, fmt.Errorf("Base time index %d: %w", bt.Index, ErrPayloadMalformed)
	}

	bt.Times[0] = time.Unix(0, int64(binary.BigEndian.Uint64(payload[4:12]))).UTC()
	bt.Times[1] = time.Unix(0, int64(binary.BigEndian.Uint64(payload[12:20]))).UTC()

	return bt, nil
}
