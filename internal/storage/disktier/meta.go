package disktier

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	sserrors "github.com/devrev/sensorstore/internal/errors"
	"github.com/devrev/sensorstore/internal/model"
	"github.com/devrev/sensorstore/internal/util"
)

// Meta layout (little-endian, 64 bytes):
//
//	[0:4]   magic
//	[4]     version
//	[5]     record type
//	[6]     source
//	[7]     reserved
//	[8:12]  sensor id
//	[12:16] slot size
//	[16:24] head
//	[24:32] pending
//	[32:40] tail, end of durable data
//	[40:48] committed slot count
//	[48:56] acknowledged high-water, may exceed tail
//	[56:60] reserved
//	[60:64] CRC32C over [0:60]
const (
	metaSize    = 64
	metaMagic   = 0x4154454D // "META"
	metaVersion = 1
)

// Meta is the per-sensor commit record. It only ever describes data that
// was written to the data file before it.
type Meta struct {
	SensorID uint32
	Type     model.RecordType
	Source   model.Source
	SlotSize uint32
	Head     uint64
	Pending  uint64
	Tail     uint64
	Slots    uint64
	// Acked is the highest head ever persisted, unclamped. Records erased
	// before they reached disk push it past Tail.
	Acked uint64
}

func (m Meta) encode() []byte {
	buf := make([]byte, metaSize)
	binary.LittleEndian.PutUint32(buf[0:], metaMagic)
	buf[4] = metaVersion
	buf[5] = byte(m.Type)
	buf[6] = byte(m.Source)
	binary.LittleEndian.PutUint32(buf[8:], m.SensorID)
	binary.LittleEndian.PutUint32(buf[12:], m.SlotSize)
	binary.LittleEndian.PutUint64(buf[16:], m.Head)
	binary.LittleEndian.PutUint64(buf[24:], m.Pending)
	binary.LittleEndian.PutUint64(buf[32:], m.Tail)
	binary.LittleEndian.PutUint64(buf[40:], m.Slots)
	binary.LittleEndian.PutUint64(buf[48:], m.Acked)
	binary.LittleEndian.PutUint32(buf[60:], util.ComputeChecksum(buf[:60]))
	return buf
}

func decodeMeta(buf []byte) (Meta, error) {
	if len(buf) != metaSize {
		return Meta{}, sserrors.Corrupt(fmt.Sprintf("meta size %d", len(buf)), nil)
	}
	if binary.LittleEndian.Uint32(buf[0:]) != metaMagic {
		return Meta{}, sserrors.Corrupt("bad meta magic", nil)
	}
	if expected, actual := binary.LittleEndian.Uint32(buf[60:]), util.ComputeChecksum(buf[:60]); expected != actual {
		return Meta{}, sserrors.ChecksumFailed(expected, actual)
	}
	if buf[4] != metaVersion {
		return Meta{}, sserrors.Corrupt(fmt.Sprintf("unsupported meta version %d", buf[4]), nil)
	}
	m := Meta{
		Type:     model.RecordType(buf[5]),
		Source:   model.Source(buf[6]),
		SensorID: binary.LittleEndian.Uint32(buf[8:]),
		SlotSize: binary.LittleEndian.Uint32(buf[12:]),
		Head:     binary.LittleEndian.Uint64(buf[16:]),
		Pending:  binary.LittleEndian.Uint64(buf[24:]),
		Tail:     binary.LittleEndian.Uint64(buf[32:]),
		Slots:    binary.LittleEndian.Uint64(buf[40:]),
		Acked:    binary.LittleEndian.Uint64(buf[48:]),
	}
	if m.Head > m.Tail || m.Pending < m.Head || m.Pending > m.Tail {
		return Meta{}, sserrors.Corrupt("meta cursors out of order", nil)
	}
	return m, nil
}

// readMeta returns the committed meta, or ok=false when none exists.
func readMeta(path string) (Meta, bool, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, sserrors.IO("read meta", err)
	}
	m, err := decodeMeta(buf)
	if err != nil {
		return Meta{}, false, err
	}
	return m, true, nil
}

// writeMeta replaces the meta file atomically: write a temp file, sync it,
// rename it over the old one, then sync the directory.
func writeMeta(path string, m Meta, sync bool) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return sserrors.IO("create meta temp file", err)
	}
	if _, err := f.Write(m.encode()); err != nil {
		f.Close()
		os.Remove(tmp)
		return sserrors.IO("write meta temp file", err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmp)
			return sserrors.IO("sync meta temp file", err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return sserrors.IO("close meta temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return sserrors.IO("rename meta", err)
	}
	if sync {
		return syncDir(filepath.Dir(path))
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return sserrors.IO("open dir for sync", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return sserrors.IO("sync dir", err)
	}
	return nil
}
