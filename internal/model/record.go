package model

import "fmt"

// RecordType is fixed per sensor at init
type RecordType uint8

const (
	RecordTypeTS  RecordType = 1 // value only
	RecordTypeEVT RecordType = 2 // value + millisecond timestamp
)

// Encoded record sizes in bytes
const (
	TSRecordSize  = 4
	EVTRecordSize = 12
)

// Size returns the encoded size of one record of this type, or 0 if unknown.
func (t RecordType) Size() int {
	switch t {
	case RecordTypeTS:
		return TSRecordSize
	case RecordTypeEVT:
		return EVTRecordSize
	default:
		return 0
	}
}

// Valid reports whether t is a known record type.
func (t RecordType) Valid() bool {
	return t.Size() > 0
}

func (t RecordType) String() string {
	switch t {
	case RecordTypeTS:
		return "ts"
	case RecordTypeEVT:
		return "evt"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Source identifies where a sensor's samples come from. It selects the
// on-disk directory for the sensor's files.
type Source uint8

const (
	SourceHost        Source = 1
	SourceApplication Source = 2
	SourceCAN         Source = 3
)

// AllSources lists the sources in directory scan order.
var AllSources = []Source{SourceHost, SourceApplication, SourceCAN}

// Dir returns the directory name used under the disk base path.
func (s Source) Dir() string {
	switch s {
	case SourceHost:
		return "host"
	case SourceApplication:
		return "app"
	case SourceCAN:
		return "can"
	default:
		return ""
	}
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s.Dir() != ""
}

func (s Source) String() string {
	if d := s.Dir(); d != "" {
		return d
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// Record is one decoded sample. TimestampMs is zero for TS records.
type Record struct {
	Seq         uint64
	Value       uint32
	TimestampMs uint64
}

// Cursors are the three logical positions of a sensor store, expressed as
// record sequence numbers: Head <= Pending <= Tail.
type Cursors struct {
	Head    uint64
	Pending uint64
	Tail    uint64
}

// Total is the number of retained records.
func (c Cursors) Total() uint64 { return c.Tail - c.Head }

// Unsent is the number of records not yet handed to the consumer.
func (c Cursors) Unsent() uint64 { return c.Tail - c.Pending }

// InFlight is the number of records handed out but not yet acknowledged.
func (c Cursors) InFlight() uint64 { return c.Pending - c.Head }
