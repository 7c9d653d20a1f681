// Package storage maps logical parameter groups of the object dictionary
// to save/load/restore operations on a persistence backend. The byte
// layout on media and its integrity protection are the backend's concern;
// this package owns the group snapshot semantics.
package storage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/kstaniek/go-canopen-node/internal/od"
)

// Group is a persistable parameter category.
type Group uint8

const (
	Communication Group = iota
	ApplicationParams
	Runtime
	Serial
	Test
	Calibration

	groupCount
)

var groupNames = [groupCount]string{
	Communication:     "communication",
	ApplicationParams: "application",
	Runtime:           "runtime",
	Serial:            "serial",
	Test:              "test",
	Calibration:       "calibration",
}

func (g Group) String() string {
	if int(g) < len(groupNames) {
		return groupNames[g]
	}
	return fmt.Sprintf("group(%d)", uint8(g))
}

// Groups lists all defined groups in persistence order.
func Groups() []Group {
	return []Group{Communication, ApplicationParams, Runtime, Serial, Test, Calibration}
}

// ParseGroup resolves a group by its console/config name.
func ParseGroup(s string) (Group, bool) {
	for g, name := range groupNames {
		if name == s {
			return Group(g), true
		}
	}
	return 0, false
}

// Ref addresses one dictionary entry belonging to a group.
type Ref struct {
	Index uint16
	Sub   uint8
}

// Backend stores opaque group blobs. Implementations version and checksum
// the media representation as they see fit.
type Backend interface {
	Read(Group) ([]byte, error)
	Write(Group, []byte) error
	Erase(Group) error
}

// ErrNotExist is returned by Load when the backend holds no data for the
// group (first start, or defaults scheduled via Restore).
var ErrNotExist = errors.New("storage: no stored data")

// Orchestrator snapshots group members out of the dictionary and applies
// loaded snapshots back, atomically per group.
type Orchestrator struct {
	dict     *od.Dictionary
	backend  Backend
	refs     [groupCount][]Ref
	defaults [groupCount][]item
}

func New(dict *od.Dictionary, backend Backend) *Orchestrator {
	return &Orchestrator{dict: dict, backend: backend}
}

// Define declares the dictionary entries making up a group and snapshots
// their current values as the group's factory defaults; callers define
// groups before any startup-derived or persisted value is written.
func (o *Orchestrator) Define(g Group, refs ...Ref) {
	o.refs[g] = append(o.refs[g], refs...)
	tx := o.dict.Lock()
	for _, r := range refs {
		if b := tx.Bytes(r.Index, r.Sub); b != nil {
			o.defaults[g] = append(o.defaults[g], item{ref: r, data: b})
		}
	}
	tx.Unlock()
}

// ApplyDefaults rewrites every member of the group to the value captured
// at Define time. Running it before Load on each configuration pass makes
// an erased group revert to factory defaults (CiA 301, object 0x1011).
func (o *Orchestrator) ApplyDefaults(g Group) {
	tx := o.dict.Lock()
	for _, it := range o.defaults[g] {
		tx.SetBytes(it.ref.Index, it.ref.Sub, it.data)
	}
	tx.Unlock()
}

// Save writes the current in-memory values of the group. The write is
// suppressed when the backend already holds an identical snapshot.
func (o *Orchestrator) Save(g Group) error {
	tx := o.dict.Lock()
	items := make([]item, 0, len(o.refs[g]))
	for _, r := range o.refs[g] {
		b := tx.Bytes(r.Index, r.Sub)
		if b == nil {
			tx.Unlock()
			return fmt.Errorf("storage: save %s: entry %04X:%02X not in dictionary", g, r.Index, r.Sub)
		}
		items = append(items, item{ref: r, data: b})
	}
	tx.Unlock()

	blob := encodeSnapshot(items)
	if cur, err := o.backend.Read(g); err == nil && bytes.Equal(cur, blob) {
		return nil
	}
	if err := o.backend.Write(g, blob); err != nil {
		return fmt.Errorf("storage: save %s: %w", g, err)
	}
	return nil
}

// Load reads the stored snapshot of the group and applies it. On any
// failure the in-memory values remain untouched; ErrNotExist indicates
// the uninteresting first-start case.
func (o *Orchestrator) Load(g Group) error {
	blob, err := o.backend.Read(g)
	if err != nil {
		return fmt.Errorf("storage: load %s: %w", g, err)
	}
	items, err := decodeSnapshot(blob)
	if err != nil {
		return fmt.Errorf("storage: load %s: %w", g, err)
	}

	want := make(map[Ref][]byte, len(items))
	for _, it := range items {
		want[it.ref] = it.data
	}

	// Validate every member against the table before touching anything,
	// then apply under the same lock.
	tx := o.dict.Lock()
	defer tx.Unlock()
	for _, r := range o.refs[g] {
		data, ok := want[r]
		if !ok {
			return fmt.Errorf("storage: load %s: entry %04X:%02X missing from snapshot", g, r.Index, r.Sub)
		}
		cur := tx.Bytes(r.Index, r.Sub)
		if cur == nil {
			return fmt.Errorf("storage: load %s: entry %04X:%02X not in dictionary", g, r.Index, r.Sub)
		}
		if len(data) != len(cur) {
			return fmt.Errorf("storage: load %s: entry %04X:%02X length mismatch", g, r.Index, r.Sub)
		}
	}
	for _, r := range o.refs[g] {
		tx.SetBytes(r.Index, r.Sub, want[r])
	}
	return nil
}

// Restore schedules factory defaults for the group: the stored snapshot
// is erased so the next reset boots with compiled-in values. Live values
// are not modified (CiA 301, object 0x1011 semantics).
func (o *Orchestrator) Restore(g Group) error {
	if err := o.backend.Erase(g); err != nil {
		return fmt.Errorf("storage: restore %s: %w", g, err)
	}
	return nil
}
