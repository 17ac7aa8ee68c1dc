// Package meta implements the fixed-record metadata files kept beside the
// stream files of every hour folder: the I-frame index, the event index and
// the time index.
package meta

import (
	"encoding/binary"

	"nvrstore/internal/format"
)

// Event category bits.
const (
	EventSchedule uint8 = 1 << iota
	EventManual
	EventAlarm
	EventCosec

	AllEvents = EventSchedule | EventManual | EventAlarm | EventCosec
	// Categories is the number of independently tracked event categories.
	Categories = 4
)

// CategoryName names a single category bit.
func CategoryName(bit uint8) string {
	switch bit {
	case EventSchedule:
		return "schedule"
	case EventManual:
		return "manual"
	case EventAlarm:
		return "alarm"
	case EventCosec:
		return "cosec"
	}
	return "unknown"
}

// Codec describes one record kind.
type Codec[R any] struct {
	Signature uint16
	Size      int
	Encode    func(R, []byte)
	Decode    func([]byte) R
}

// EventRecord (24 bytes): eventType, startFileId, stopFileId, overlapFlag
// (u8 each), startTime, startOffset, endTime, stopOffset (u32 each),
// diskId (u8), 3 reserved bytes. EndTime 0 marks an open event.
type EventRecord struct {
	EventType   uint8
	StartFileID uint8
	StopFileID  uint8
	Overlap     bool
	StartTime   uint32
	StartOffset uint32
	EndTime     uint32
	StopOffset  uint32
	DiskID      uint8
}

// Open reports whether recording for the event is still in progress.
func (r EventRecord) Open() bool { return r.EndTime == 0 }

// IFrameRecord (12 bytes): timestamp, streamOffset (u32), fileId, diskId
// (u8), reserved (u16).
type IFrameRecord struct {
	Timestamp    uint32
	StreamOffset uint32
	FileID       uint8
	DiskID       uint8
}

// TimeIndexRecord (8 bytes): minute, overlapFlag, diskId, fileId (u8),
// fshOffset (u32).
type TimeIndexRecord struct {
	Minute    uint8
	Overlap   bool
	DiskID    uint8
	FileID    uint8
	FSHOffset uint32
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

var EventCodec = Codec[EventRecord]{
	Signature: format.SigEvent,
	Size:      24,
	Encode: func(r EventRecord, b []byte) {
		le := binary.LittleEndian
		b[0] = r.EventType
		b[1] = r.StartFileID
		b[2] = r.StopFileID
		b[3] = boolByte(r.Overlap)
		le.PutUint32(b[4:8], r.StartTime)
		le.PutUint32(b[8:12], r.StartOffset)
		le.PutUint32(b[12:16], r.EndTime)
		le.PutUint32(b[16:20], r.StopOffset)
		b[20] = r.DiskID
		b[21], b[22], b[23] = 0, 0, 0
	},
	Decode: func(b []byte) EventRecord {
		le := binary.LittleEndian
		return EventRecord{
			EventType:   b[0],
			StartFileID: b[1],
			StopFileID:  b[2],
			Overlap:     b[3] != 0,
			StartTime:   le.Uint32(b[4:8]),
			StartOffset: le.Uint32(b[8:12]),
			EndTime:     le.Uint32(b[12:16]),
			StopOffset:  le.Uint32(b[16:20]),
			DiskID:      b[20],
		}
	},
}

var IFrameCodec = Codec[IFrameRecord]{
	Signature: format.SigIFrame,
	Size:      12,
	Encode: func(r IFrameRecord, b []byte) {
		le := binary.LittleEndian
		le.PutUint32(b[0:4], r.Timestamp)
		le.PutUint32(b[4:8], r.StreamOffset)
		b[8] = r.FileID
		b[9] = r.DiskID
		le.PutUint16(b[10:12], 0)
	},
	Decode: func(b []byte) IFrameRecord {
		le := binary.LittleEndian
		return IFrameRecord{
			Timestamp:    le.Uint32(b[0:4]),
			StreamOffset: le.Uint32(b[4:8]),
			FileID:       b[8],
			DiskID:       b[9],
		}
	},
}

var TimeIndexCodec = Codec[TimeIndexRecord]{
	Signature: format.SigTimeIndex,
	Size:      8,
	Encode: func(r TimeIndexRecord, b []byte) {
		b[0] = r.Minute
		b[1] = boolByte(r.Overlap)
		b[2] = r.DiskID
		b[3] = r.FileID
		binary.LittleEndian.PutUint32(b[4:8], r.FSHOffset)
	},
	Decode: func(b []byte) TimeIndexRecord {
		return TimeIndexRecord{
			Minute:    b[0],
			Overlap:   b[1] != 0,
			DiskID:    b[2],
			FileID:    b[3],
			FSHOffset: binary.LittleEndian.Uint32(b[4:8]),
		}
	},
}
