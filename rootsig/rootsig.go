// Package rootsig signs and verifies the current root forest. The
// digest fed to Ed25519 is BLAKE2b-256 over a canonical encoding of the
// roots (spec §6): a one-byte type tag, then for each root (in
// ascending node-index order) its hash, little-endian node index, and
// little-endian length.
package rootsig

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/dat-rs/hypercore/merkle"
)

// ErrCrypto indicates the keypair could not be constructed or signing
// failed — a Crypto-kind error per spec §7.
var ErrCrypto = errors.New("rootsig: crypto operation failed")

// RootTypeTag is prepended to the canonical root encoding before
// hashing, distinguishing a root-forest digest from other BLAKE2b-256
// uses in the store.
const RootTypeTag = 0x02

// Digest returns BLAKE2b_256(0x02 || sum(root.hash || root.index_le8 || root.length_le8)).
func Digest(roots []merkle.Node) [32]byte {
	buf := make([]byte, 0, 1+len(roots)*(32+8+8))
	buf = append(buf, RootTypeTag)
	for _, r := range roots {
		buf = append(buf, r.Hash[:]...)
		var idx, length [8]byte
		binary.LittleEndian.PutUint64(idx[:], r.Index)
		binary.LittleEndian.PutUint64(length[:], r.Length)
		buf = append(buf, idx[:]...)
		buf = append(buf, length[:]...)
	}
	return blake2b.Sum256(buf)
}

// KeyPair holds an Ed25519 public/secret key pair, stored on disk in
// the canonical layout: secret[..32] = secret scalar, secret[32..] =
// public key (spec §9's "Signature endianness and secret-key layout"
// design note).
type KeyPair struct {
	Public ed25519.PublicKey
	Secret ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", ErrCrypto, err)
	}
	return &KeyPair{Public: pub, Secret: priv}, nil
}

// FromStoredBytes reconstructs a KeyPair from the 32-byte public key
// slot and 64-byte secret key slot as persisted on disk. The canonical
// reconstruction input to ed25519 is secret[..32] || public[..], which
// is exactly how Go's crypto/ed25519 lays out a PrivateKey already, so
// no byte shuffling beyond validating the two halves agree is needed.
func FromStoredBytes(public [32]byte, secret [64]byte) (*KeyPair, error) {
	priv := ed25519.PrivateKey(secret[:])
	derivedPublic := priv.Public().(ed25519.PublicKey)
	if string(derivedPublic) != string(public[:]) {
		return nil, fmt.Errorf("%w: stored public key does not match secret key", ErrCrypto)
	}
	return &KeyPair{Public: ed25519.PublicKey(append([]byte(nil), public[:]...)), Secret: priv}, nil
}

// SecretBytes returns the 64-byte on-disk secret-key slot.
func (k *KeyPair) SecretBytes() [64]byte {
	var out [64]byte
	copy(out[:], k.Secret)
	return out
}

// PublicBytes returns the 32-byte on-disk public-key slot.
func (k *KeyPair) PublicBytes() [32]byte {
	var out [32]byte
	copy(out[:], k.Public)
	return out
}

// SignRoots signs the canonical digest of roots.
func (k *KeyPair) SignRoots(roots []merkle.Node) []byte {
	d := Digest(roots)
	return ed25519.Sign(k.Secret, d[:])
}

// VerifyRoots verifies a signature over roots.
func (k *KeyPair) VerifyRoots(roots []merkle.Node, sig []byte) bool {
	d := Digest(roots)
	return ed25519.Verify(k.Public, d[:], sig)
}

// probeMessage is signed/verified as a sanity check whenever a
// persisted key pair is loaded (spec §4.7 step 4).
var probeMessage = []byte("hypercore-keypair-probe")

// Probe signs and immediately verifies a fixed message, used to sanity
// check a loaded key pair before trusting it.
func (k *KeyPair) Probe() bool {
	sig := ed25519.Sign(k.Secret, probeMessage)
	return ed25519.Verify(k.Public, probeMessage, sig)
}
