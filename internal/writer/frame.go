package writer

import (
	"errors"
	"time"

	"nvrstore/internal/stream"
)

var (
	ErrBadChannel       = errors.New("channel out of range")
	ErrNotRecording     = errors.New("channel is not recording")
	ErrAlreadyRecording = errors.New("channel is already recording")
	// ErrBusy is returned when a frame arrives while a held frame is
	// still waiting for the writer. The new frame is dropped.
	ErrBusy = errors.New("writer busy, frame dropped")
	// ErrFileCap is returned when the hour folder holds the maximum
	// number of stream files and the current one is full.
	ErrFileCap = errors.New("stream file limit reached for this hour")
	ErrClosed  = errors.New("recorder closed")
)

// Frame is one encoded media frame handed to WriteMediaFrame.
type Frame struct {
	Time       time.Time
	Media      uint8
	Codec      uint8
	Resolution uint8
	Type       uint8
	FPS        uint16
	RefFrames  uint8
	// Events is the set of event categories active for this frame.
	Events  uint8
	Payload []byte
}

// IsKey reports whether the frame is a video I-frame.
func (f Frame) IsKey() bool {
	return f.Media == stream.MediaVideo && f.Type == stream.FrameI
}

func (f Frame) size() int { return stream.FrameHeaderSize + len(f.Payload) }

// State is the lifecycle state of a recording session.
type State int

const (
	StateOff State = iota
	StateOn
	StateWait
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateOn:
		return "on"
	case StateWait:
		return "wait"
	}
	return "unknown"
}
