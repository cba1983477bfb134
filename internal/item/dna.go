package item

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Well-known property ids inside an item data blob.
const (
	PropStackQuantity uint32 = 1     // stack size of the slot
	PropInstanceGUID  uint32 = 22    // per-instance id, never copied across items
	PropSellMark      uint32 = 99999 // reserved by the sell mark-verify protocol
)

// blobHeaderLen is the fixed prefix before the template id in the
// serialized item data.
const blobHeaderLen = 8

// DNA is the structured stat payload decoded from an item's binary blob.
// It is what a market listing stores and what gets injected back into a
// freshly spawned item.
type DNA struct {
	IntStats   map[uint32]uint32  `json:"int_stats"`
	FloatStats map[uint32]float32 `json:"float_stats"`
}

// ParseBlob decodes the little-endian item data blob.
// Layout after the fixed header: template_id u32, int_count u32,
// int_count × (prop_id u32, value u32), float_count u32,
// float_count × (prop_id u32, value f32).
func ParseBlob(data []byte) (templateID int32, dna DNA, err error) {
	dna = DNA{
		IntStats:   make(map[uint32]uint32),
		FloatStats: make(map[uint32]float32),
	}
	off := blobHeaderLen
	u32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, fmt.Errorf("truncated blob at offset %d (len %d)", off, len(data))
		}
		v := binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
		return v, nil
	}

	tid, err := u32()
	if err != nil {
		return 0, dna, err
	}
	templateID = int32(tid)

	intCount, err := u32()
	if err != nil {
		return 0, dna, err
	}
	if int(intCount) > (len(data)-off)/8 {
		return 0, dna, fmt.Errorf("int stat count %d exceeds blob size", intCount)
	}
	for i := uint32(0); i < intCount; i++ {
		id, err := u32()
		if err != nil {
			return 0, dna, err
		}
		val, err := u32()
		if err != nil {
			return 0, dna, err
		}
		dna.IntStats[id] = val
	}

	floatCount, err := u32()
	if err != nil {
		return 0, dna, err
	}
	if int(floatCount) > (len(data)-off)/8 {
		return 0, dna, fmt.Errorf("float stat count %d exceeds blob size", floatCount)
	}
	for i := uint32(0); i < floatCount; i++ {
		id, err := u32()
		if err != nil {
			return 0, dna, err
		}
		bits, err := u32()
		if err != nil {
			return 0, dna, err
		}
		dna.FloatStats[id] = math.Float32frombits(bits)
	}

	return templateID, dna, nil
}

// StackQuantity returns the stack size property, 0 if absent.
func (d DNA) StackQuantity() uint32 {
	return d.IntStats[PropStackQuantity]
}

// StripInstanceProps removes properties that must not survive duplication:
// the instance GUID would collide, and the sell mark is protocol scratch.
func (d DNA) StripInstanceProps() {
	delete(d.IntStats, PropInstanceGUID)
	delete(d.IntStats, PropSellMark)
}

// EncodeBlob is the inverse of ParseBlob. Used by tests and tooling; the
// plane itself never writes game item state directly.
func EncodeBlob(templateID int32, dna DNA) []byte {
	buf := make([]byte, blobHeaderLen, blobHeaderLen+8+len(dna.IntStats)*8+len(dna.FloatStats)*8+8)
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, uint32(templateID))
	buf = le.AppendUint32(buf, uint32(len(dna.IntStats)))
	for id, v := range dna.IntStats {
		buf = le.AppendUint32(buf, id)
		buf = le.AppendUint32(buf, v)
	}
	buf = le.AppendUint32(buf, uint32(len(dna.FloatStats)))
	for id, v := range dna.FloatStats {
		buf = le.AppendUint32(buf, id)
		buf = le.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}
