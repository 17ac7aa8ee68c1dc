// Package stream reads and writes stream files: a 12-byte header, a chain
// of frame records (frame stream header + payload) and, once closed, an
// 8-byte trailer.
package stream

import (
	"encoding/binary"
	"errors"

	"nvrstore/internal/format"
)

// Stream header layout (12 bytes):
//
//	signature   (u16)
//	version     (u16)
//	nextOffset  (u32, first byte after the last committed frame)
//	runFlag     (u8, 1 while the file is being written)
//	backupFlags (u8, one bit per backup kind that exported the file)
//	deviceType  (u8)
//	reserved    (u8)
//
// Trailer layout (8 bytes), present only after a clean close:
//
//	eofMarker  (u32)
//	prevOffset (u32, offset of the last frame stream header)
//
// Frame stream header layout (40 bytes):
//
//	startMarker (u16)   fps (u16)   length (u32, header + payload)
//	prevOffset (u32)    nextOffset (u32)
//	iFrameIndex (u32)   timeIndex (u32)
//	mediaType codecType resolution frameType eventBits diskId refFrameCount cameraNo (u8 each)
//	sec (u32)   ms (u16)   reserved (u16)
const (
	HeaderSize      = 12
	TrailerSize     = 8
	FrameHeaderSize = 40
)

var (
	ErrBadFrame    = errors.New("invalid frame stream header")
	ErrShortFrame  = errors.New("truncated frame")
	ErrOutOfBounds = errors.New("offset out of bounds")
)

// Media types.
const (
	MediaVideo uint8 = 0
	MediaAudio uint8 = 1
)

// Video frame types.
const (
	FrameI uint8 = 1
	FrameP uint8 = 2
	FrameB uint8 = 3
)

// Header is the decoded stream file header.
type Header struct {
	NextOffset  uint32
	Running     bool
	BackupFlags uint8
	DeviceType  uint8
}

// EncodeInto writes the header into buf and returns HeaderSize.
func (h Header) EncodeInto(buf []byte) int {
	binary.LittleEndian.PutUint16(buf[0:2], format.SigStream)
	binary.LittleEndian.PutUint16(buf[2:4], format.Version)
	binary.LittleEndian.PutUint32(buf[4:8], h.NextOffset)
	buf[8] = 0
	if h.Running {
		buf[8] = 1
	}
	buf[9] = h.BackupFlags
	buf[10] = h.DeviceType
	buf[11] = 0
	return HeaderSize
}

// DecodeHeader reads and validates a stream header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, format.ErrHeaderTooSmall
	}
	if binary.LittleEndian.Uint16(buf[0:2]) != format.SigStream {
		return Header{}, format.ErrSignatureMismatch
	}
	if binary.LittleEndian.Uint16(buf[2:4]) != format.Version {
		return Header{}, format.ErrVersionMismatch
	}
	return Header{
		NextOffset:  binary.LittleEndian.Uint32(buf[4:8]),
		Running:     buf[8] != 0,
		BackupFlags: buf[9],
		DeviceType:  buf[10],
	}, nil
}

// Trailer is the decoded stream trailer.
type Trailer struct {
	PrevOffset uint32
}

// EncodeInto writes the trailer into buf and returns TrailerSize.
func (t Trailer) EncodeInto(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], format.EOFMarker)
	binary.LittleEndian.PutUint32(buf[4:8], t.PrevOffset)
	return TrailerSize
}

// DecodeTrailer returns format.ErrNoTrailer unless buf starts with the EOF marker.
func DecodeTrailer(buf []byte) (Trailer, error) {
	if len(buf) < TrailerSize || !format.IsTrailer(buf) {
		return Trailer{}, format.ErrNoTrailer
	}
	return Trailer{PrevOffset: binary.LittleEndian.Uint32(buf[4:8])}, nil
}

// FrameHeader is the per-frame record prefixed to every payload.
type FrameHeader struct {
	FPS           uint16
	Length        uint32
	PrevOffset    uint32
	NextOffset    uint32
	IFrameIndex   uint32
	TimeIndex     uint32
	MediaType     uint8
	CodecType     uint8
	Resolution    uint8
	FrameType     uint8
	EventBits     uint8
	DiskID        uint8
	RefFrameCount uint8
	CameraNo      uint8
	Sec           uint32
	Ms            uint16
}

// IsKeyFrame reports whether the frame is a video I-frame.
func (h FrameHeader) IsKeyFrame() bool {
	return h.MediaType == MediaVideo && h.FrameType == FrameI
}

// IsAudio reports whether the frame carries audio.
func (h FrameHeader) IsAudio() bool { return h.MediaType == MediaAudio }

// UnixMilli returns the frame timestamp in milliseconds.
func (h FrameHeader) UnixMilli() int64 {
	return int64(h.Sec)*1000 + int64(h.Ms)
}

// PayloadSize is Length minus the header.
func (h FrameHeader) PayloadSize() int {
	return int(h.Length) - FrameHeaderSize
}

// EncodeInto writes the frame header into buf and returns FrameHeaderSize.
func (h FrameHeader) EncodeInto(buf []byte) int {
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], format.FrameMarker)
	le.PutUint16(buf[2:4], h.FPS)
	le.PutUint32(buf[4:8], h.Length)
	le.PutUint32(buf[8:12], h.PrevOffset)
	le.PutUint32(buf[12:16], h.NextOffset)
	le.PutUint32(buf[16:20], h.IFrameIndex)
	le.PutUint32(buf[20:24], h.TimeIndex)
	buf[24] = h.MediaType
	buf[25] = h.CodecType
	buf[26] = h.Resolution
	buf[27] = h.FrameType
	buf[28] = h.EventBits
	buf[29] = h.DiskID
	buf[30] = h.RefFrameCount
	buf[31] = h.CameraNo
	le.PutUint32(buf[32:36], h.Sec)
	le.PutUint16(buf[36:38], h.Ms)
	le.PutUint16(buf[38:40], 0)
	return FrameHeaderSize
}

// DecodeFrameHeader reads a frame stream header, checking the start marker
// and the minimum length.
func DecodeFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < FrameHeaderSize {
		return FrameHeader{}, ErrShortFrame
	}
	le := binary.LittleEndian
	if le.Uint16(buf[0:2]) != format.FrameMarker {
		return FrameHeader{}, ErrBadFrame
	}
	h := FrameHeader{
		FPS:           le.Uint16(buf[2:4]),
		Length:        le.Uint32(buf[4:8]),
		PrevOffset:    le.Uint32(buf[8:12]),
		NextOffset:    le.Uint32(buf[12:16]),
		IFrameIndex:   le.Uint32(buf[16:20]),
		TimeIndex:     le.Uint32(buf[20:24]),
		MediaType:     buf[24],
		CodecType:     buf[25],
		Resolution:    buf[26],
		FrameType:     buf[27],
		EventBits:     buf[28],
		DiskID:        buf[29],
		RefFrameCount: buf[30],
		CameraNo:      buf[31],
		Sec:           le.Uint32(buf[32:36]),
		Ms:            le.Uint16(buf[36:38]),
	}
	if h.Length < FrameHeaderSize {
		return FrameHeader{}, ErrBadFrame
	}
	return h, nil
}

// AppendFrame encodes h followed by payload onto dst. h.Length is set from
// the payload size.
func AppendFrame(dst []byte, h FrameHeader, payload []byte) []byte {
	h.Length = uint32(FrameHeaderSize + len(payload))
	var buf [FrameHeaderSize]byte
	h.EncodeInto(buf[:])
	dst = append(dst, buf[:]...)
	return append(dst, payload...)
}
