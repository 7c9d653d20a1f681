package storage

import (
	"encoding/binary"
	"errors"
)

// Snapshot wire format, little-endian:
//
//	u8  format version (currently 1)
//	u8  entry count
//	per entry: u16 index, u8 sub-index, u8 length, <length> value bytes
const snapshotVersion = 1

var errCodec = errors.New("malformed snapshot")

type item struct {
	ref  Ref
	data []byte
}

func encodeSnapshot(items []item) []byte {
	n := 2
	for _, it := range items {
		n += 4 + len(it.data)
	}
	blob := make([]byte, 2, n)
	blob[0] = snapshotVersion
	blob[1] = uint8(len(items))
	for _, it := range items {
		var hdr [4]byte
		binary.LittleEndian.PutUint16(hdr[0:2], it.ref.Index)
		hdr[2] = it.ref.Sub
		hdr[3] = uint8(len(it.data))
		blob = append(blob, hdr[:]...)
		blob = append(blob, it.data...)
	}
	return blob
}

func decodeSnapshot(blob []byte) ([]item, error) {
	if len(blob) < 2 || blob[0] != snapshotVersion {
		return nil, errCodec
	}
	count := int(blob[1])
	items := make([]item, 0, count)
	p := blob[2:]
	for i := 0; i < count; i++ {
		if len(p) < 4 {
			return nil, errCodec
		}
		n := int(p[3])
		if len(p) < 4+n {
			return nil, errCodec
		}
		items = append(items, item{
			ref:  Ref{Index: binary.LittleEndian.Uint16(p[0:2]), Sub: p[2]},
			data: append([]byte(nil), p[4:4+n]...),
		})
		p = p[4+n:]
	}
	if len(p) != 0 {
		return nil, errCodec
	}
	return items, nil
}
