package storage

import (
	"errors"
	"testing"

	"github.com/kstaniek/go-canopen-node/internal/od"
)

type memBackend struct {
	blobs  map[Group][]byte
	writes int
}

func newMemBackend() *memBackend {
	return &memBackend{blobs: make(map[Group][]byte)}
}

func (m *memBackend) Read(g Group) ([]byte, error) {
	b, ok := m.blobs[g]
	if !ok {
		return nil, ErrNotExist
	}
	return b, nil
}

func (m *memBackend) Write(g Group, blob []byte) error {
	m.writes++
	m.blobs[g] = append([]byte(nil), blob...)
	return nil
}

func (m *memBackend) Erase(g Group) error {
	delete(m.blobs, g)
	return nil
}

func newTestDict() *od.Dictionary {
	d := od.New()
	d.Add(0x2000, 0, od.AccessRW, []byte{0x11, 0x22})
	d.Add(0x2001, 1, od.AccessRW, []byte{0x33, 0x44, 0x55, 0x66})
	return d
}

func newTestOrchestrator(d *od.Dictionary, b Backend) *Orchestrator {
	o := New(d, b)
	o.Define(ApplicationParams, Ref{Index: 0x2000, Sub: 0}, Ref{Index: 0x2001, Sub: 1})
	return o
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := newTestDict()
	be := newMemBackend()
	o := newTestOrchestrator(d, be)

	tx := d.Lock()
	tx.SetU16(0x2000, 0, 0xBEEF)
	tx.SetU32(0x2001, 1, 0xCAFEBABE)
	tx.Unlock()

	if err := o.Save(ApplicationParams); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutate live values, then load back the snapshot.
	tx = d.Lock()
	tx.SetU16(0x2000, 0, 0)
	tx.SetU32(0x2001, 1, 0)
	tx.Unlock()

	if err := o.Load(ApplicationParams); err != nil {
		t.Fatalf("load: %v", err)
	}
	tx = d.Lock()
	defer tx.Unlock()
	if got := tx.U16(0x2000, 0); got != 0xBEEF {
		t.Errorf("0x2000:0 = %#x, want 0xBEEF", got)
	}
	if got := tx.U32(0x2001, 1); got != 0xCAFEBABE {
		t.Errorf("0x2001:1 = %#x, want 0xCAFEBABE", got)
	}
}

func TestSaveSkipsUnchangedSnapshot(t *testing.T) {
	d := newTestDict()
	be := newMemBackend()
	o := newTestOrchestrator(d, be)

	if err := o.Save(ApplicationParams); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := o.Save(ApplicationParams); err != nil {
		t.Fatalf("save again: %v", err)
	}
	if be.writes != 1 {
		t.Errorf("writes = %d, want 1", be.writes)
	}

	tx := d.Lock()
	tx.SetU16(0x2000, 0, 7)
	tx.Unlock()
	if err := o.Save(ApplicationParams); err != nil {
		t.Fatalf("save after change: %v", err)
	}
	if be.writes != 2 {
		t.Errorf("writes = %d, want 2", be.writes)
	}
}

func TestLoadFirstStart(t *testing.T) {
	d := newTestDict()
	o := newTestOrchestrator(d, newMemBackend())

	err := o.Load(ApplicationParams)
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("load = %v, want ErrNotExist", err)
	}
	tx := d.Lock()
	defer tx.Unlock()
	if got := tx.U16(0x2000, 0); got != 0x2211 {
		t.Errorf("default clobbered: 0x2000:0 = %#x", got)
	}
}

func TestLoadRejectsLengthMismatchAtomically(t *testing.T) {
	d := newTestDict()
	be := newMemBackend()
	o := newTestOrchestrator(d, be)
	if err := o.Save(ApplicationParams); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Rebuild the dictionary with a widened first entry. The stored
	// snapshot no longer matches and must not be applied at all.
	d2 := od.New()
	d2.Add(0x2000, 0, od.AccessRW, []byte{9, 9, 9, 9})
	d2.Add(0x2001, 1, od.AccessRW, []byte{8, 8, 8, 8})
	o2 := newTestOrchestrator(d2, be)

	if err := o2.Load(ApplicationParams); err == nil {
		t.Fatal("load accepted mismatched snapshot")
	}
	tx := d2.Lock()
	defer tx.Unlock()
	if got := tx.U32(0x2000, 0); got != 0x09090909 {
		t.Errorf("0x2000:0 = %#x, want untouched default", got)
	}
	if got := tx.U32(0x2001, 1); got != 0x08080808 {
		t.Errorf("0x2001:1 = %#x, want untouched default", got)
	}
}

func TestLoadRejectsCorruptBlob(t *testing.T) {
	d := newTestDict()
	be := newMemBackend()
	be.blobs[ApplicationParams] = []byte{snapshotVersion, 5, 0x00}
	o := newTestOrchestrator(d, be)
	if err := o.Load(ApplicationParams); err == nil {
		t.Fatal("load accepted truncated snapshot")
	}
}

func TestRestoreErasesOnly(t *testing.T) {
	d := newTestDict()
	be := newMemBackend()
	o := newTestOrchestrator(d, be)
	if err := o.Save(ApplicationParams); err != nil {
		t.Fatalf("save: %v", err)
	}

	tx := d.Lock()
	tx.SetU16(0x2000, 0, 0x7777)
	tx.Unlock()

	if err := o.Restore(ApplicationParams); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := be.Read(ApplicationParams); !errors.Is(err, ErrNotExist) {
		t.Error("snapshot still present after restore")
	}
	// Live values stay as-is until the next reset.
	tx = d.Lock()
	defer tx.Unlock()
	if got := tx.U16(0x2000, 0); got != 0x7777 {
		t.Errorf("live value modified by restore: %#x", got)
	}
}

func TestFileBackend(t *testing.T) {
	be, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := be.Read(Serial); !errors.Is(err, ErrNotExist) {
		t.Fatalf("read empty = %v, want ErrNotExist", err)
	}
	if err := be.Write(Serial, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	b, err := be.Read(Serial)
	if err != nil || string(b) != "\x01\x02\x03" {
		t.Fatalf("read = %v, %v", b, err)
	}
	if err := be.Erase(Serial); err != nil {
		t.Fatal(err)
	}
	if err := be.Erase(Serial); err != nil {
		t.Fatalf("second erase = %v, want nil", err)
	}
}

func TestParseGroup(t *testing.T) {
	for _, g := range Groups() {
		got, ok := ParseGroup(g.String())
		if !ok || got != g {
			t.Errorf("ParseGroup(%q) = %v, %v", g.String(), got, ok)
		}
	}
	if _, ok := ParseGroup("bogus"); ok {
		t.Error("ParseGroup accepted bogus name")
	}
}

func TestApplyDefaultsRevertsGroupMembers(t *testing.T) {
	d := newTestDict()
	o := newTestOrchestrator(d, newMemBackend())

	tx := d.Lock()
	tx.SetU16(0x2000, 0, 0xBEEF)
	tx.SetU32(0x2001, 1, 0xCAFEBABE)
	tx.Unlock()

	o.ApplyDefaults(ApplicationParams)

	tx = d.Lock()
	defer tx.Unlock()
	if got := tx.U16(0x2000, 0); got != 0x2211 {
		t.Errorf("0x2000:0 = %#x, want definition-time 0x2211", got)
	}
	if got := tx.U32(0x2001, 1); got != 0x66554433 {
		t.Errorf("0x2001:1 = %#x, want definition-time 0x66554433", got)
	}
}
