package cipher

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrKeysPayload = errors.New("UpdateCipherKeys payload is malformed")

	sealInfo = []byte("gep update cipher keys")
)

// DeriveSealKey derives the key that protects UpdateCipherKeys payloads from
// the connection's shared secret. An empty secret yields nil, which leaves
// the key payload unsealed.
func DeriveSealKey(sharedSecret string) []byte {
	if sharedSecret == "" {
		return nil
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(sharedSecret), nil, sealInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails after 255*32 bytes of output.
		panic(err)
	}

	return key
}

// EncodeKeyPair serialises pair as the UpdateCipherKeys payload:
//
//	[u8 active] then per slot [u32 id][u16 length][material]
//
// and seals it with sealKey when one is given.
func EncodeKeyPair(pair KeyPair, sealKey []byte) ([]byte, error) {
	b := []byte{byte(pair.Active)}

	for _, k := range pair.Keys {
		var hdr [6]byte
		binary.BigEndian.PutUint32(hdr[0:4], k.ID)
		binary.BigEndian.PutUint16(hdr[4:6], uint16(len(k.Material)))

		b = append(b, hdr[:]...)
		b = append(b, k.Material...)
	}

	if sealKey == nil {
		return b, nil
	}

	m := NewManager(nil)
	if err := m.OnKeysUpdated(KeyPair{Keys: [2]Key{{ID: 0, Material: sealKey}}}); err != nil {
		return nil, err
	}

	return m.Encrypt(0, b)
}

// DecodeKeyPair reverses EncodeKeyPair.
func DecodeKeyPair(payload []byte, sealKey []byte) (KeyPair, error) {
	if sealKey != nil {
		aead, err := chacha20poly1305.New(sealKey)
		if err != nil {
			return KeyPair{}, fmt.Errorf("Seal key: %w", ErrKeySize)
		}

		if len(payload) < NonceSize+aead.Overhead() {
			return KeyPair{}, fmt.Errorf("Sealed key payload too short: %w", ErrKeysPayload)
		}

		payload, err = aead.Open(nil, payload[:NonceSize], payload[NonceSize:], nil)
		if err != nil {
			return KeyPair{}, fmt.Errorf("Failed to unseal cipher keys: %s: %w", err, ErrKeysPayload)
		}
	}

	if len(payload) < 1 {
		return KeyPair{}, ErrKeysPayload
	}

	pair := KeyPair{Active: int(payload[0])}
	if pair.Active > 1 {
		return KeyPair{}, fmt.Errorf("Active slot %d: %w", pair.Active, ErrKeysPayload)
	}
	payload = payload[1:]

	for i := range pair.Keys {
		if len(payload) < 6 {
			return KeyPair{}, ErrKeysPayload
		}

		id := binary.BigEndian.Uint32(payload[0:4])
		n := int(binary.BigEndian.Uint16(payload[4:6]))
		payload = payload[6:]

		if len(payload) < n {
			return KeyPair{}, ErrKeysPayload
		}
		if n != 0 && n != KeySize {
			return KeyPair{}, fmt.Errorf("Slot %d has %d bytes: %w", i, n, ErrKeySize)
		}

		pair.Keys[i] = Key{ID: id}
		if n > 0 {
			pair.Keys[i].Material = append([]byte(nil), payload[:n]...)
		}
		payload = payload[n:]
	}

	return pair, nil
}
