// Package format provides shared binary format utilities.
//
// All on-disk structures are fixed-width little-endian and are packed and
// unpacked field by field. In-memory struct layout is never written to disk.
package format

import (
	"encoding/binary"
	"errors"
)

// Metadata header layout (8 bytes):
//
//	signature (u16, identifies the file kind)
//	version   (u16)
//	nextIndex (u32, number of committed records)
//
// Signatures:
//
//	0x5453 = stream file ("ST")
//	0x4649 = I-frame index ("IF")
//	0x5645 = event index ("EV")
//	0x4954 = time index ("TI")
//	0x4D59 = year map ("YM")
const (
	MetaHeaderSize = 8
	TrailerSize    = 4

	SigStream    uint16 = 0x5453
	SigIFrame    uint16 = 0x4649
	SigEvent     uint16 = 0x5645
	SigTimeIndex uint16 = 0x4954
	SigYearMap   uint16 = 0x4D59

	Version uint16 = 1

	// EOFMarker terminates cleanly closed stream and metadata files.
	EOFMarker uint32 = 0x454F4621

	// FrameMarker opens every frame stream header.
	FrameMarker uint16 = 0xA55A
)

var (
	ErrHeaderTooSmall    = errors.New("header too small")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrVersionMismatch   = errors.New("version mismatch")
	ErrNoTrailer         = errors.New("missing EOF trailer")
)

// MetaHeader is the common header of I-frame, event and time-index files.
type MetaHeader struct {
	Signature uint16
	Version   uint16
	NextIndex uint32
}

// Encode writes the header to an 8-byte array.
func (h MetaHeader) Encode() [MetaHeaderSize]byte {
	var buf [MetaHeaderSize]byte
	h.EncodeInto(buf[:])
	return buf
}

// EncodeInto writes the header into buf at offset 0 and returns MetaHeaderSize.
func (h MetaHeader) EncodeInto(buf []byte) int {
	binary.LittleEndian.PutUint16(buf[0:2], h.Signature)
	binary.LittleEndian.PutUint16(buf[2:4], h.Version)
	binary.LittleEndian.PutUint32(buf[4:8], h.NextIndex)
	return MetaHeaderSize
}

// DecodeMeta reads a metadata header without validating it.
func DecodeMeta(buf []byte) (MetaHeader, error) {
	if len(buf) < MetaHeaderSize {
		return MetaHeader{}, ErrHeaderTooSmall
	}
	return MetaHeader{
		Signature: binary.LittleEndian.Uint16(buf[0:2]),
		Version:   binary.LittleEndian.Uint16(buf[2:4]),
		NextIndex: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// DecodeMetaAndValidate reads a metadata header and checks signature and version.
func DecodeMetaAndValidate(buf []byte, sig, version uint16) (MetaHeader, error) {
	h, err := DecodeMeta(buf)
	if err != nil {
		return MetaHeader{}, err
	}
	if h.Signature != sig {
		return MetaHeader{}, ErrSignatureMismatch
	}
	if h.Version != version {
		return MetaHeader{}, ErrVersionMismatch
	}
	return h, nil
}

// EncodeTrailer writes the 4-byte EOF marker into buf.
func EncodeTrailer(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], EOFMarker)
	return TrailerSize
}

// IsTrailer reports whether buf starts with the EOF marker.
func IsTrailer(buf []byte) bool {
	return len(buf) >= TrailerSize && binary.LittleEndian.Uint32(buf[0:4]) == EOFMarker
}
