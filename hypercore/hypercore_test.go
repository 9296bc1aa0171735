package hypercore

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/dat-rs/hypercore/bitfield"
	"github.com/dat-rs/hypercore/storage"
)

func TestOpenEmptyLog(t *testing.T) {
	l, err := Open(storage.New(storage.NewMemory(), nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if l.Blocks() != 0 {
		t.Fatalf("Blocks() = %d, want 0", l.Blocks())
	}
	if l.Length() != 0 {
		t.Fatalf("Length() = %d, want 0", l.Length())
	}
	roots, _, ok, err := l.SignedRoots()
	if err != nil {
		t.Fatalf("SignedRoots: %v", err)
	}
	if len(roots) != 0 {
		t.Fatalf("roots = %+v, want empty", roots)
	}
	if ok {
		t.Fatal("signature should be absent on an empty log")
	}
}

func TestFourAppendsSingleRoot(t *testing.T) {
	l, err := Open(storage.New(storage.NewMemory(), nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := l.Append([]byte("test")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	roots, _, ok, err := l.SignedRoots()
	if err != nil {
		t.Fatalf("SignedRoots: %v", err)
	}
	if !ok {
		t.Fatal("signature should be present after an append")
	}
	if len(roots) != 1 {
		t.Fatalf("len(roots) = %d, want 1", len(roots))
	}
	if l.Blocks() != 4 {
		t.Fatalf("Blocks() = %d, want 4", l.Blocks())
	}
	got, err := l.Get(2)
	if err != nil {
		t.Fatalf("Get(2): %v", err)
	}
	if string(got) != "test" {
		t.Fatalf("Get(2) = %q, want %q", got, "test")
	}
	if !l.HasRange(0, 4) {
		t.Fatal("HasRange(0,4) should be true after four appends")
	}
}

func TestFiveAppendsTwoRoots(t *testing.T) {
	l, err := Open(storage.New(storage.NewMemory(), nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.Append([]byte("test")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	roots, _, _, err := l.SignedRoots()
	if err != nil {
		t.Fatalf("SignedRoots: %v", err)
	}
	if len(roots) != 2 {
		t.Fatalf("len(roots) = %d, want 2", len(roots))
	}
	if l.Blocks() != 5 {
		t.Fatalf("Blocks() = %d, want 5", l.Blocks())
	}
}

func TestThousandTwentyFourAppendsVsOneMore(t *testing.T) {
	l, err := Open(storage.New(storage.NewMemory(), nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 1024; i++ {
		if err := l.Append([]byte("test")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	roots, _, _, err := l.SignedRoots()
	if err != nil {
		t.Fatalf("SignedRoots: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("after 1024 appends: len(roots) = %d, want 1", len(roots))
	}

	if err := l.Append([]byte("test")); err != nil {
		t.Fatalf("Append 1025th: %v", err)
	}
	roots, _, _, err = l.SignedRoots()
	if err != nil {
		t.Fatalf("SignedRoots: %v", err)
	}
	if len(roots) <= 1 {
		t.Fatalf("after 1025 appends: len(roots) = %d, want > 1", len(roots))
	}
}

func TestSixtyFourBlocksAcrossBackends(t *testing.T) {
	const blockCount = 64
	const blockSize = 64 * 1024

	blocks := make([][]byte, blockCount)
	for i := range blocks {
		b := make([]byte, blockSize)
		for j := range b {
			b[j] = byte(i ^ j)
		}
		blocks[i] = b
	}

	backends := map[string]func(t *testing.T) storage.Store{
		"memory": func(t *testing.T) storage.Store {
			return storage.New(storage.NewMemory(), nil)
		},
		"disk": func(t *testing.T) storage.Store {
			d, err := storage.OpenDisk(t.TempDir())
			if err != nil {
				t.Fatalf("OpenDisk: %v", err)
			}
			return storage.New(d, nil)
		},
		"cached-over-memory": func(t *testing.T) storage.Store {
			return storage.NewCached(storage.New(storage.NewMemory(), nil), storage.DefaultNodeCacheSize)
		},
		"pebble": func(t *testing.T) storage.Store {
			p, err := storage.OpenPebble(t.TempDir())
			if err != nil {
				t.Fatalf("OpenPebble: %v", err)
			}
			return storage.New(p, nil)
		},
	}

	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			l, err := Open(factory(t))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			for i, b := range blocks {
				if err := l.Append(b); err != nil {
					t.Fatalf("Append %d: %v", i, err)
				}
			}
			for i := 0; i < blockCount; i++ {
				got, err := l.Get(uint64(i))
				if err != nil {
					t.Fatalf("Get(%d): %v", i, err)
				}
				if !bytes.Equal(got, blocks[i]) {
					t.Fatalf("Get(%d) did not round-trip", i)
				}
			}
		})
	}
}

func TestGetOnMissingBlockIsNotFound(t *testing.T) {
	l, err := Open(storage.New(storage.NewMemory(), nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := l.Get(0); err == nil {
		t.Fatal("Get on an empty log should fail")
	}
}

// TestProofOmitsAncestorsTheRemoteAlreadyHolds models a two-party
// exchange: a peer that already verified some ancestor nodes computes
// Digest on a node it still lacks, and the sender's Proof for that
// node visibly shrinks once it knows what the peer already has.
func TestProofOmitsAncestorsTheRemoteAlreadyHolds(t *testing.T) {
	sender, err := Open(storage.New(storage.NewMemory(), nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := sender.Append([]byte("test")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	// The peer independently verified blocks 0 and 1 (e.g. from an
	// earlier exchange), giving it node 1 (the parent of leaves 0 and
	// 2) but nothing about block 2's leaf (node 4).
	peer := bitfield.New(nil)
	peer.Set(0, true)
	peer.Set(1, true)

	peerDigest := peer.Digest(4)
	if peerDigest == 1 {
		t.Fatal("Digest of an unverified node should not collapse to the trivial value")
	}

	withDigest, _, ok := sender.Proof(4, bitfield.ProofOptions{RemoteDigest: peerDigest})
	if !ok {
		t.Fatal("Proof(4) with a remote digest should succeed")
	}
	bare, _, ok := sender.Proof(4, bitfield.ProofOptions{})
	if !ok {
		t.Fatal("Proof(4) with no remote digest should succeed")
	}

	if reflect.DeepEqual(withDigest, bare) {
		t.Fatalf("Proof with a remote digest should omit nodes the peer already reported; got %v for both", withDigest)
	}
	for _, n := range withDigest {
		if n == 1 {
			t.Fatalf("Proof(4, digest) = %v still includes node 1, which the peer's digest reported as held", withDigest)
		}
	}
	found1 := false
	for _, n := range bare {
		if n == 1 {
			found1 = true
		}
	}
	if !found1 {
		t.Fatalf("Proof(4) with no remote knowledge = %v, want it to include node 1", bare)
	}
}

func TestReopenPreservesStateAndKeys(t *testing.T) {
	dir := t.TempDir()

	d1, err := storage.OpenDisk(dir)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	l1, err := Open(storage.New(d1, nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 6; i++ {
		if err := l1.Append([]byte("block")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	pub1 := l1.PublicKey()

	d2, err := storage.OpenDisk(dir)
	if err != nil {
		t.Fatalf("reopen OpenDisk: %v", err)
	}
	l2, err := Open(storage.New(d2, nil))
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	if l2.Blocks() != 6 {
		t.Fatalf("reopened Blocks() = %d, want 6", l2.Blocks())
	}
	if l2.PublicKey() != pub1 {
		t.Fatal("reopened log should reuse the persisted key pair")
	}
	got, err := l2.Get(3)
	if err != nil {
		t.Fatalf("Get(3) after reopen: %v", err)
	}
	if string(got) != "block" {
		t.Fatalf("Get(3) = %q, want %q", got, "block")
	}
}
