package storage

import (
	"testing"

	"github.com/dat-rs/hypercore/merkle"
)

// backendFactories returns a fresh Store for each backend kind, so the
// shared test bodies below run identically across all four.
func backendFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store {
			return New(NewMemory(), nil)
		},
		"disk": func() Store {
			d, err := OpenDisk(t.TempDir())
			if err != nil {
				t.Fatalf("OpenDisk: %v", err)
			}
			return New(d, nil)
		},
		"cached": func() Store {
			return NewCached(New(NewMemory(), nil), DefaultNodeCacheSize)
		},
		"pebble": func() Store {
			p, err := OpenPebble(t.TempDir())
			if err != nil {
				t.Fatalf("OpenPebble: %v", err)
			}
			return New(p, nil)
		},
	}
}

func TestSetupWritesHeadersAndIsIdempotent(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("first Setup: %v", err)
			}
			if err := s.Setup(); err != nil {
				t.Fatalf("second Setup (reopen) should validate headers, not fail: %v", err)
			}
		})
	}
}

func TestGetNodeBlankBeforeWrite(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			node, err := s.GetNode(7)
			if err != nil {
				t.Fatalf("GetNode: %v", err)
			}
			if !IsBlankNode(node) {
				t.Fatal("unwritten node should be blank")
			}
		})
	}
}

func TestPutGetNodeRoundTrip(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			want := merkle.Node{Index: 3, Length: 11, Hash: [32]byte{9, 9, 9}}
			if err := s.PutNode(want); err != nil {
				t.Fatalf("PutNode: %v", err)
			}
			got, err := s.GetNode(3)
			if err != nil {
				t.Fatalf("GetNode: %v", err)
			}
			if got.Hash != want.Hash || got.Length != want.Length {
				t.Fatalf("GetNode = %+v, want %+v", got, want)
			}
		})
	}
}

func TestGetOffsetAndDataRoundTrip(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			blockA := []byte("hello")
			blockB := []byte("worldly")

			leafA := merkle.Node{Index: 0, Length: uint64(len(blockA)), Hash: [32]byte{1}}
			leafB := merkle.Node{Index: 2, Length: uint64(len(blockB)), Hash: [32]byte{2}}
			if err := s.PutNode(leafA); err != nil {
				t.Fatalf("PutNode a: %v", err)
			}
			if err := s.PutNode(leafB); err != nil {
				t.Fatalf("PutNode b: %v", err)
			}
			if err := s.PutData(0, blockA); err != nil {
				t.Fatalf("PutData a: %v", err)
			}
			if err := s.PutData(2, blockB); err != nil {
				t.Fatalf("PutData b: %v", err)
			}

			gotA, err := s.GetData(0)
			if err != nil {
				t.Fatalf("GetData a: %v", err)
			}
			if string(gotA) != string(blockA) {
				t.Fatalf("GetData a = %q, want %q", gotA, blockA)
			}
			gotB, err := s.GetData(2)
			if err != nil {
				t.Fatalf("GetData b: %v", err)
			}
			if string(gotB) != string(blockB) {
				t.Fatalf("GetData b = %q, want %q", gotB, blockB)
			}
		})
	}
}

func TestPutDataRejectsSizeMismatch(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			if err := s.PutNode(merkle.Node{Index: 0, Length: 5, Hash: [32]byte{1}}); err != nil {
				t.Fatalf("PutNode: %v", err)
			}
			if err := s.PutData(0, []byte("short")); err != nil {
				t.Fatalf("PutData with matching size: %v", err)
			}
			if err := s.PutData(0, []byte("tooshort")); err == nil {
				t.Fatal("PutData with mismatched size should fail")
			}
		})
	}
}

func TestSignatureSlotsBlankUntilWritten(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			if _, ok, err := s.GetSignature(0); err != nil || ok {
				t.Fatalf("GetSignature on blank slot: ok=%v err=%v", ok, err)
			}
			var sig [64]byte
			sig[0] = 0xAB
			if err := s.PutSignature(0, sig); err != nil {
				t.Fatalf("PutSignature: %v", err)
			}
			got, ok, err := s.GetSignature(0)
			if err != nil || !ok {
				t.Fatalf("GetSignature after write: ok=%v err=%v", ok, err)
			}
			if got != sig {
				t.Fatalf("GetSignature = %v, want %v", got, sig)
			}
		})
	}
}

func TestNextSignatureFallsBackOneBlock(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			var sig [64]byte
			sig[0] = 1
			if err := s.PutSignature(4, sig); err != nil {
				t.Fatalf("PutSignature: %v", err)
			}
			got, ok, err := s.NextSignature(3)
			if err != nil || !ok {
				t.Fatalf("NextSignature(3): ok=%v err=%v", ok, err)
			}
			if got != sig {
				t.Fatalf("NextSignature(3) = %v, want %v", got, sig)
			}
		})
	}
}

func TestKeySecretRoundTripAndState(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			if k, err := s.GetKey(); err != nil || k != nil {
				t.Fatalf("GetKey before write: %+v, %v", k, err)
			}
			var pub [32]byte
			pub[0] = 0x11
			var sec [64]byte
			sec[0] = 0x22
			if err := s.PutKey(pub); err != nil {
				t.Fatalf("PutKey: %v", err)
			}
			if err := s.PutSecret(sec); err != nil {
				t.Fatalf("PutSecret: %v", err)
			}
			st, err := s.GetState()
			if err != nil {
				t.Fatalf("GetState: %v", err)
			}
			if st.Key == nil || *st.Key != pub {
				t.Fatalf("GetState key = %+v, want %v", st.Key, pub)
			}
			if st.Secret == nil || *st.Secret != sec {
				t.Fatalf("GetState secret = %+v, want %v", st.Secret, sec)
			}
		})
	}
}

func TestPutBitfieldSurfacesInState(t *testing.T) {
	for name, factory := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory()
			if err := s.Setup(); err != nil {
				t.Fatalf("Setup: %v", err)
			}
			page := make([]byte, 3328)
			page[0] = 0xFF
			if err := s.PutBitfield(0, page); err != nil {
				t.Fatalf("PutBitfield: %v", err)
			}
			st, err := s.GetState()
			if err != nil {
				t.Fatalf("GetState: %v", err)
			}
			if len(st.BitfieldBytes) < len(page) || st.BitfieldBytes[0] != 0xFF {
				t.Fatalf("GetState bitfield bytes = %v", st.BitfieldBytes)
			}
		})
	}
}

func TestCachedServesFromLRUWithoutHittingBackend(t *testing.T) {
	base := New(NewMemory(), nil)
	c := NewCached(base, DefaultNodeCacheSize)
	if err := c.Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	node := merkle.Node{Index: 0, Length: 4, Hash: [32]byte{7}}
	if err := c.PutNode(node); err != nil {
		t.Fatalf("PutNode: %v", err)
	}
	if _, ok := c.nodes.Get(0); !ok {
		t.Fatal("PutNode should populate the LRU")
	}
	got, err := c.GetNode(0)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Hash != node.Hash {
		t.Fatalf("GetNode = %+v, want %+v", got, node)
	}
}
