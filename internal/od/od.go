// Package od implements the object dictionary of a CANopen device: a raw,
// length-tagged table addressed by (index, sub-index) with typed accessors,
// per-index validation callbacks and a shared lock for multi-entry access
// from the supervisory and the time-critical contexts.
package od

import (
	"math"
	"sync"
)

// Access is the access mode of a dictionary entry.
type Access uint8

const (
	AccessRO Access = iota // readable over the wire, writable in-process
	AccessRW
	AccessConst
)

type key struct {
	index uint16
	sub   uint8
}

type entry struct {
	access Access
	data   []byte
}

// Request describes one protocol access to an entry, handed to the
// registered callback. Data is the working buffer of declared length: on a
// read the callback may populate it, on a write it holds the proposed
// value. Prev is the previously committed value; a callback refuses a
// write by restoring Data from Prev and returning a non-zero abort.
type Request struct {
	Index    uint16
	SubIndex uint8
	Reading  bool
	Data     []byte
	Prev     []byte
}

// Restore copies the previous committed value back into the working buffer.
func (r *Request) Restore() { copy(r.Data, r.Prev) }

// Callback validates protocol accesses to all sub-indices of one index.
type Callback func(*Request) Abort

// Event notifies a watcher about a committed write.
type Event struct {
	Index    uint16
	SubIndex uint8
}

// Dictionary is the in-memory object dictionary table.
type Dictionary struct {
	mu        sync.Mutex
	entries   map[key]*entry
	perIndex  map[uint16]int
	callbacks map[uint16]Callback
	watches   map[uint16]chan<- Event
}

func New() *Dictionary {
	return &Dictionary{
		entries:   make(map[key]*entry),
		perIndex:  make(map[uint16]int),
		callbacks: make(map[uint16]Callback),
		watches:   make(map[uint16]chan<- Event),
	}
}

// Add registers an entry with its default value; the declared byte length
// is len(def). Re-adding an existing entry replaces it.
func (d *Dictionary) Add(index uint16, sub uint8, access Access, def []byte) {
	d.mu.Lock()
	k := key{index, sub}
	if _, ok := d.entries[k]; !ok {
		d.perIndex[index]++
	}
	d.entries[k] = &entry{access: access, data: append([]byte(nil), def...)}
	d.mu.Unlock()
}

// SetCallback installs the validation callback for all sub-indices of index.
func (d *Dictionary) SetCallback(index uint16, cb Callback) {
	d.mu.Lock()
	d.callbacks[index] = cb
	d.mu.Unlock()
}

// Watch registers a single event channel for committed writes to index.
// Events are sent non-blocking and dropped when the channel is full.
func (d *Dictionary) Watch(index uint16, ch chan<- Event) {
	d.mu.Lock()
	d.watches[index] = ch
	d.mu.Unlock()
}

// Length returns the declared byte length of an entry, 0 if absent.
func (d *Dictionary) Length(index uint16, sub uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e := d.entries[key{index, sub}]; e != nil {
		return len(e.data)
	}
	return 0
}

// Read performs a protocol read: the callback (if any) populates the
// working buffer, which is returned as a copy.
func (d *Dictionary) Read(index uint16, sub uint8) ([]byte, Abort) {
	d.mu.Lock()
	e := d.entries[key{index, sub}]
	if e == nil {
		known := d.perIndex[index] > 0
		d.mu.Unlock()
		if known {
			return nil, AbortSubUnknown
		}
		return nil, AbortNoObject
	}
	buf := append([]byte(nil), e.data...)
	prev := append([]byte(nil), e.data...)
	cb := d.callbacks[index]
	d.mu.Unlock()

	if cb != nil {
		if abort := cb(&Request{Index: index, SubIndex: sub, Reading: true, Data: buf, Prev: prev}); abort != AbortNone {
			return nil, abort
		}
	}
	return buf, AbortNone
}

// Write performs a protocol write: validate first (access mode, declared
// length, then callback), commit only on acceptance. The callback runs
// outside the table lock so it may take it for multi-entry access.
func (d *Dictionary) Write(index uint16, sub uint8, data []byte) Abort {
	d.mu.Lock()
	e := d.entries[key{index, sub}]
	if e == nil {
		known := d.perIndex[index] > 0
		d.mu.Unlock()
		if known {
			return AbortSubUnknown
		}
		return AbortNoObject
	}
	if e.access != AccessRW {
		d.mu.Unlock()
		return AbortReadOnly
	}
	if len(data) != len(e.data) {
		d.mu.Unlock()
		return AbortLength
	}
	prev := append([]byte(nil), e.data...)
	cb := d.callbacks[index]
	d.mu.Unlock()

	buf := append([]byte(nil), data...)
	if cb != nil {
		if abort := cb(&Request{Index: index, SubIndex: sub, Data: buf, Prev: prev}); abort != AbortNone {
			return abort
		}
	}

	d.mu.Lock()
	copy(e.data, buf)
	w := d.watches[index]
	d.mu.Unlock()
	if w != nil {
		select {
		case w <- Event{Index: index, SubIndex: sub}:
		default:
		}
	}
	return AbortNone
}

// Tx is a locked view of the dictionary for in-process typed access.
// Accessors resolve an entry only when its declared length matches the
// requested width; otherwise reads yield zero values and writes are no-ops.
type Tx struct{ d *Dictionary }

// Lock takes the table lock and returns the typed view. The lock must not
// be held across blocking calls.
func (d *Dictionary) Lock() *Tx { d.mu.Lock(); return &Tx{d} }

// Unlock releases the table lock.
func (tx *Tx) Unlock() { tx.d.mu.Unlock() }

func (tx *Tx) slot(index uint16, sub uint8, size int) []byte {
	e := tx.d.entries[key{index, sub}]
	if e == nil || len(e.data) != size {
		return nil
	}
	return e.data
}

func (tx *Tx) get(index uint16, sub uint8, k Kind) uint64 {
	b := tx.slot(index, sub, k.Size())
	if b == nil {
		return 0
	}
	v, err := Decode(b)
	if err != nil || v.Kind != k {
		return 0
	}
	return v.Bits
}

func (tx *Tx) set(index uint16, sub uint8, k Kind, bits uint64) {
	if b := tx.slot(index, sub, k.Size()); b != nil {
		encodeBits(b, bits)
	}
}

func (tx *Tx) U8(index uint16, sub uint8) uint8   { return uint8(tx.get(index, sub, KindU8)) }
func (tx *Tx) U16(index uint16, sub uint8) uint16 { return uint16(tx.get(index, sub, KindU16)) }
func (tx *Tx) U32(index uint16, sub uint8) uint32 { return uint32(tx.get(index, sub, KindU32)) }
func (tx *Tx) U64(index uint16, sub uint8) uint64 { return tx.get(index, sub, KindU64) }
func (tx *Tx) I8(index uint16, sub uint8) int8    { return int8(tx.get(index, sub, KindU8)) }
func (tx *Tx) I16(index uint16, sub uint8) int16  { return int16(tx.get(index, sub, KindU16)) }
func (tx *Tx) I32(index uint16, sub uint8) int32  { return int32(tx.get(index, sub, KindU32)) }
func (tx *Tx) I64(index uint16, sub uint8) int64  { return int64(tx.get(index, sub, KindU64)) }
func (tx *Tx) F32(index uint16, sub uint8) float32 {
	return math.Float32frombits(uint32(tx.get(index, sub, KindU32)))
}

func (tx *Tx) SetU8(index uint16, sub uint8, v uint8)   { tx.set(index, sub, KindU8, uint64(v)) }
func (tx *Tx) SetU16(index uint16, sub uint8, v uint16) { tx.set(index, sub, KindU16, uint64(v)) }
func (tx *Tx) SetU32(index uint16, sub uint8, v uint32) { tx.set(index, sub, KindU32, uint64(v)) }
func (tx *Tx) SetU64(index uint16, sub uint8, v uint64) { tx.set(index, sub, KindU64, v) }
func (tx *Tx) SetI8(index uint16, sub uint8, v int8)    { tx.set(index, sub, KindU8, uint64(uint8(v))) }
func (tx *Tx) SetI16(index uint16, sub uint8, v int16)  { tx.set(index, sub, KindU16, uint64(uint16(v))) }
func (tx *Tx) SetI32(index uint16, sub uint8, v int32)  { tx.set(index, sub, KindU32, uint64(uint32(v))) }
func (tx *Tx) SetI64(index uint16, sub uint8, v int64)  { tx.set(index, sub, KindU64, uint64(v)) }
func (tx *Tx) SetF32(index uint16, sub uint8, v float32) {
	tx.set(index, sub, KindU32, uint64(math.Float32bits(v)))
}

// String returns the entry contents up to the first terminator.
func (tx *Tx) String(index uint16, sub uint8) string {
	e := tx.d.entries[key{index, sub}]
	if e == nil {
		return ""
	}
	b := e.data
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// SetString stores s truncated to the declared length; the destination is
// always terminated within its bound, never overflowed.
func (tx *Tx) SetString(index uint16, sub uint8, s string) {
	e := tx.d.entries[key{index, sub}]
	if e == nil || len(e.data) == 0 {
		return
	}
	b := e.data
	n := copy(b[:len(b)-1], s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// Bytes returns a copy of the raw entry contents, nil if absent.
func (tx *Tx) Bytes(index uint16, sub uint8) []byte {
	e := tx.d.entries[key{index, sub}]
	if e == nil {
		return nil
	}
	return append([]byte(nil), e.data...)
}

// SetBytes overwrites the raw entry contents when the length matches the
// declared length; returns false otherwise.
func (tx *Tx) SetBytes(index uint16, sub uint8, b []byte) bool {
	e := tx.d.entries[key{index, sub}]
	if e == nil || len(e.data) != len(b) {
		return false
	}
	copy(e.data, b)
	return true
}
