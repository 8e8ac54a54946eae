// Package cipher manages the two rotating keys that protect DataPacket
// payloads.
//
// A connection holds a pair of key slots. The publisher encrypts with one
// slot and flags each packet with its index, so a subscriber keeps decrypting
// packets addressed to the old slot while a rotation settles. At most one
// rotation may be in flight at a time.
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/luma/gep/protocol"
)

const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
)

var (
	ErrAlreadyRotating = errors.New("A cipher key rotation is already in flight")
	ErrCipherMismatch  = errors.New("Packet cipher index does not match a held key")
	ErrKeySize         = errors.New("Cipher key has the wrong size")
)

// Key is one slot of a KeyPair. IDs increase monotonically per connection.
type Key struct {
	ID       uint32
	Material []byte
}

func (k Key) IsZero() bool {
	return len(k.Material) == 0
}

// KeyPair holds both slots. Active is the slot the publisher is currently
// encrypting with.
type KeyPair struct {
	Keys   [2]Key
	Active int
}

func (p KeyPair) clone() KeyPair {
	out := p
	for i := range p.Keys {
		if p.Keys[i].Material != nil {
			out.Keys[i].Material = append([]byte(nil), p.Keys[i].Material...)
		}
	}
	return out
}

// GenerateKey creates random key material for the given ID.
func GenerateKey(id uint32) (Key, error) {
	material := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, material); err != nil {
		return Key{}, fmt.Errorf("Failed to generate cipher key: %w", err)
	}

	return Key{ID: id, Material: material}, nil
}

// keyState is swapped wholesale so readers never see half of a rotation.
type keyState struct {
	pair  KeyPair
	aeads [2]stdcipher.AEAD
}

// Manager holds the current key pair of one connection.
//
// Mutations happen on the owning session's sequential path. Snapshot,
// Active, Pending, Encrypt and Decrypt are safe from any goroutine.
type Manager struct {
	out     protocol.FrameWriter
	pending int32
	state   atomic.Value
}

// NewManager returns a manager that emits RotateCipherKeys commands to out.
// out may be nil on the publisher side, which never requests rotations.
func NewManager(out protocol.FrameWriter) *Manager {
	m := &Manager{out: out}
	m.state.Store(&keyState{})
	return m
}

func (m *Manager) load() *keyState {
	return m.state.Load().(*keyState)
}

// RequestRotation asks the publisher for a new key pair. A request made
// while another is still pending returns ErrAlreadyRotating and emits
// nothing.
func (m *Manager) RequestRotation() error {
	if !atomic.CompareAndSwapInt32(&m.pending, 0, 1) {
		return ErrAlreadyRotating
	}

	if m.out == nil {
		return nil
	}

	if err := m.out.WriteFrame(protocol.NewCommand(protocol.RotateCipherKeys, 0, nil)); err != nil {
		atomic.StoreInt32(&m.pending, 0)
		return fmt.Errorf("Failed to request cipher key rotation: %w", err)
	}

	return nil
}

// OnKeysUpdated installs pair and clears the pending flag. Cached AEAD state
// for both slots is rebuilt from the new material, nothing from the previous
// pair survives.
func (m *Manager) OnKeysUpdated(pair KeyPair) error {
	next := &keyState{pair: pair.clone()}

	if pair.Active != 0 && pair.Active != 1 {
		return fmt.Errorf("Active slot %d: %w", pair.Active, ErrCipherMismatch)
	}

	for i, k := range next.pair.Keys {
		if k.IsZero() {
			continue
		}

		aead, err := chacha20poly1305.New(k.Material)
		if err != nil {
			return fmt.Errorf("Slot %d key %d: %w", i, k.ID, ErrKeySize)
		}
		next.aeads[i] = aead
	}

	m.state.Store(next)
	atomic.StoreInt32(&m.pending, 0)

	return nil
}

// Rotate generates a fresh key into the inactive slot and makes it active.
// The previously active key stays in its slot so in-flight packets still
// decrypt.
func (m *Manager) Rotate() (KeyPair, error) {
	cur := m.load().pair

	var maxID uint32
	for _, k := range cur.Keys {
		if k.ID > maxID {
			maxID = k.ID
		}
	}

	next := cur.clone()
	slot := 1 - cur.Active
	if cur.Keys[cur.Active].IsZero() {
		// First rotation, fill the current slot.
		slot = cur.Active
	}

	key, err := GenerateKey(maxID + 1)
	if err != nil {
		return KeyPair{}, err
	}

	next.Keys[slot] = key
	next.Active = slot

	if err := m.OnKeysUpdated(next); err != nil {
		return KeyPair{}, err
	}

	return next.clone(), nil
}

// Decrypt opens a packet body addressed to slot index.
func (m *Manager) Decrypt(index int, data []byte) ([]byte, error) {
	aead, err := m.aead(index)
	if err != nil {
		return nil, err
	}

	if len(data) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("Slot %d, ciphertext too short: %w", index, ErrCipherMismatch)
	}

	plain, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("Slot %d: %s: %w", index, err, ErrCipherMismatch)
	}

	return plain, nil
}

// Encrypt seals plaintext under slot index, prefixing the random nonce.
func (m *Manager) Encrypt(index int, plaintext []byte) ([]byte, error) {
	aead, err := m.aead(index)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// EncryptActive seals plaintext under the active slot and returns that slot.
func (m *Manager) EncryptActive(plaintext []byte) (int, []byte, error) {
	index := m.load().pair.Active

	data, err := m.Encrypt(index, plaintext)
	return index, data, err
}

func (m *Manager) aead(index int) (stdcipher.AEAD, error) {
	if index != 0 && index != 1 {
		return nil, fmt.Errorf("Slot %d: %w", index, ErrCipherMismatch)
	}

	aead := m.load().aeads[index]
	if aead == nil {
		return nil, fmt.Errorf("Slot %d is empty: %w", index, ErrCipherMismatch)
	}

	return aead, nil
}

// Active reports whether any key is installed, i.e. whether DataPacket
// payloads are encrypted.
func (m *Manager) Active() bool {
	s := m.load()
	return s.aeads[0] != nil || s.aeads[1] != nil
}

func (m *Manager) Pending() bool {
	return atomic.LoadInt32(&m.pending) == 1
}

// Snapshot returns a copy of the installed pair.
func (m *Manager) Snapshot() KeyPair {
	return m.load().pair.clone()
}

// Cancel abandons an in-flight rotation, used when the connection terminates.
func (m *Manager) Cancel() {
	atomic.StoreInt32(&m.pending, 0)
}

// Clear drops every key and any pending rotation.
func (m *Manager) Clear() {
	m.state.Store(&keyState{})
	m.Cancel()
}
