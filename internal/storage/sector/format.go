package sector

import (
	"encoding/binary"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/util"
)

// Sector header layout (little-endian):
//
//	[0:4]   magic
//	[4]     state
//	[5]     record type
//	[6]     flags
//	[7]     format version
//	[8:12]  sensor id
//	[12:16] record count
//	[16:24] sequence number of the first record
//	[24:28] image size
//	[28:32] CRC32C over [0:28] and the payload
const (
	HeaderSize    = 32
	MinSectorSize = HeaderSize + model.TSRecordSize

	Magic   uint32 = 0x54434553 // "SECT"
	Version uint8  = 1

	FlagCRC uint8 = 1 << 0
)

const (
	offMagic   = 0
	offState   = 4
	offType    = 5
	offFlags   = 6
	offVersion = 7
	offSensor  = 8
	offCount   = 12
	offFirst   = 16
	offSize    = 24
	offCRC     = 28
)

// State is the lifecycle state stored in the header.
// Transitions: FREE -> ACTIVE -> SEALED -> (FLUSHED | FREE).
type State uint8

const (
	StateFree    State = 0
	StateActive  State = 1
	StateSealed  State = 2
	StateFlushed State = 3
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateActive:
		return "active"
	case StateSealed:
		return "sealed"
	case StateFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Header is the decoded form of a sector header.
type Header struct {
	Magic     uint32
	State     State
	Type      model.RecordType
	Flags     uint8
	Version   uint8
	SensorID  uint32
	Count     uint32
	FirstSeq  uint64
	ImageSize uint32
	CRC       uint32
}

// HasCRC reports whether the sealed image carries a checksum.
func (h Header) HasCRC() bool {
	return h.Flags&FlagCRC != 0
}

// DecodeHeader parses the header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, sserrors.Corrupt("sector shorter than header", nil)
	}
	return Header{
		Magic:     binary.LittleEndian.Uint32(buf[offMagic:]),
		State:     State(buf[offState]),
		Type:      model.RecordType(buf[offType]),
		Flags:     buf[offFlags],
		Version:   buf[offVersion],
		SensorID:  binary.LittleEndian.Uint32(buf[offSensor:]),
		Count:     binary.LittleEndian.Uint32(buf[offCount:]),
		FirstSeq:  binary.LittleEndian.Uint64(buf[offFirst:]),
		ImageSize: binary.LittleEndian.Uint32(buf[offSize:]),
		CRC:       binary.LittleEndian.Uint32(buf[offCRC:]),
	}, nil
}

// Capacity returns how many records of type t fit in a sector of size bytes.
func Capacity(size int, t model.RecordType) int {
	rs := t.Size()
	if rs == 0 || size < HeaderSize {
		return 0
	}
	return (size - HeaderSize) / rs
}

// stamp resets buf to a FREE sector image.
func stamp(buf []byte) {
	clear(buf)
	binary.LittleEndian.PutUint32(buf[offMagic:], Magic)
	buf[offState] = byte(StateFree)
	buf[offVersion] = Version
	binary.LittleEndian.PutUint32(buf[offSize:], uint32(len(buf)))
}

// Activate prepares a freshly allocated sector for appends.
func Activate(buf []byte, sensorID uint32, t model.RecordType, firstSeq uint64) {
	buf[offState] = byte(StateActive)
	buf[offType] = byte(t)
	binary.LittleEndian.PutUint32(buf[offSensor:], sensorID)
	binary.LittleEndian.PutUint64(buf[offFirst:], firstSeq)
}

// Seal writes the final record count, marks the image SEALED and, when
// withCRC is set, stores the checksum over header and used payload.
func Seal(buf []byte, count uint32, withCRC bool) {
	binary.LittleEndian.PutUint32(buf[offCount:], count)
	buf[offState] = byte(StateSealed)
	binary.LittleEndian.PutUint32(buf[offCRC:], 0)
	if withCRC {
		buf[offFlags] |= FlagCRC
		binary.LittleEndian.PutUint32(buf[offCRC:], checksum(buf))
	} else {
		buf[offFlags] &^= FlagCRC
	}
}

// SetState overwrites the state byte. It is used for FLUSHED, which is
// applied after the image has been persisted and is not covered by the CRC.
func SetState(buf []byte, s State) {
	buf[offState] = byte(s)
}

func checksum(buf []byte) uint32 {
	size := int(binary.LittleEndian.Uint32(buf[offSize:]))
	if size < HeaderSize || size > len(buf) {
		size = len(buf)
	}
	return util.ChecksumParts(buf[:offCRC], buf[HeaderSize:size])
}

// Verify validates a sealed sector image: magic, state, geometry and,
// when present, the CRC. Corruption is reported as CORRUPT.
func Verify(buf []byte) (Header, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return h, err
	}
	if h.Magic != Magic {
		return h, sserrors.Corrupt("bad sector magic", nil).WithDetail("magic", h.Magic)
	}
	if h.State != StateSealed {
		return h, sserrors.Corrupt("sector image not sealed", nil).WithDetail("state", h.State.String())
	}
	if int(h.ImageSize) < HeaderSize || int(h.ImageSize) > len(buf) {
		return h, sserrors.Corrupt("bad sector image size", nil).WithDetail("image_size", h.ImageSize)
	}
	if uint64(h.Count) > uint64(Capacity(int(h.ImageSize), h.Type)) || !h.Type.Valid() {
		return h, sserrors.Corrupt("bad sector geometry", nil).WithDetail("count", h.Count)
	}
	if !h.HasCRC() {
		if h.CRC != 0 {
			return h, sserrors.Corrupt("checksum present without flag", nil)
		}
		return h, nil
	}
	if actual := checksum(buf); actual != h.CRC {
		return h, sserrors.ChecksumFailed(h.CRC, actual)
	}
	return h, nil
}

// PutRecord encodes rec at slot i of the payload.
func PutRecord(buf []byte, t model.RecordType, i int, value uint32, tsMs uint64) {
	off := HeaderSize + i*t.Size()
	binary.LittleEndian.PutUint32(buf[off:], value)
	if t == model.RecordTypeEVT {
		binary.LittleEndian.PutUint64(buf[off+4:], tsMs)
	}
}

// GetRecord decodes the record at slot i of the payload.
func GetRecord(buf []byte, t model.RecordType, i int) (value uint32, tsMs uint64) {
	off := HeaderSize + i*t.Size()
	value = binary.LittleEndian.Uint32(buf[off:])
	if t == model.RecordTypeEVT {
		tsMs = binary.LittleEndian.Uint64(buf[off+4:])
	}
	return value, tsMs
}
