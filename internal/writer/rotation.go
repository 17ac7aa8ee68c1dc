package writer

import (
	"math"
	"strings"
	"time"

	"nvrstore/internal/layout"
	"nvrstore/internal/stream"
)

// FileState is a snapshot of the channel's current stream file taken
// before a frame is appended. Policies decide on it alone.
type FileState struct {
	// Hour is the start of the hour folder being written.
	Hour      time.Time
	FileID    uint8
	FileStart time.Time
	LastFrame time.Time
	// FileBytes is the logical next offset of the file, buffered bytes
	// included.
	FileBytes uint64
	// Buffered is the size of the segment not yet handed to the writer.
	Buffered int
}

// NextFrame describes the frame about to be appended.
type NextFrame struct {
	Time time.Time
	Size int
}

// Trigger is a set of rollover reasons.
type Trigger uint8

const (
	// TriggerHour: the frame belongs to another hour folder.
	TriggerHour Trigger = 1 << iota
	// TriggerOverlap: the clock went backward.
	TriggerOverlap
	// TriggerSize: the file's offsets would overflow.
	TriggerSize
	// TriggerDuration: the file has recorded long enough.
	TriggerDuration
	// TriggerBuffer: the segment is full and must be flushed.
	TriggerBuffer
	// TriggerFileCap: the folder holds the maximum number of files, so
	// only an hour change may open another.
	TriggerFileCap

	TriggerNone Trigger = 0

	newFile = TriggerOverlap | TriggerSize | TriggerDuration
)

func (t Trigger) Has(o Trigger) bool { return t&o != 0 }

func (t Trigger) String() string {
	if t == TriggerNone {
		return "none"
	}
	names := []string{"hour", "overlap", "size", "duration", "buffer", "file-cap"}
	var parts []string
	for i, n := range names {
		if t&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, "+")
}

// RotationPolicy decides whether appending next needs a rollover.
// Policies are pure: no IO, no locks, no mutation.
type RotationPolicy interface {
	Check(state FileState, next NextFrame) Trigger
}

// RotationPolicyFunc adapts a function to RotationPolicy.
type RotationPolicyFunc func(FileState, NextFrame) Trigger

func (f RotationPolicyFunc) Check(s FileState, n NextFrame) Trigger { return f(s, n) }

// CompositePolicy ORs the triggers of its policies.
type CompositePolicy []RotationPolicy

func (c CompositePolicy) Check(s FileState, n NextFrame) Trigger {
	var t Trigger
	for _, p := range c {
		t |= p.Check(s, n)
	}
	return t
}

// HourPolicy fires when the frame falls outside the current hour folder.
func HourPolicy() RotationPolicy {
	return RotationPolicyFunc(func(s FileState, n NextFrame) Trigger {
		if !layout.TruncateHour(n.Time).Equal(s.Hour) {
			return TriggerHour
		}
		return TriggerNone
	})
}

// OverlapTolerance is how far a frame may go back in time before it is
// treated as a clock change.
const OverlapTolerance = 2 * time.Second

// OverlapPolicy fires when the frame is older than the last one by more
// than OverlapTolerance.
func OverlapPolicy() RotationPolicy {
	return RotationPolicyFunc(func(s FileState, n NextFrame) Trigger {
		if !s.LastFrame.IsZero() && s.LastFrame.Sub(n.Time) > OverlapTolerance {
			return TriggerOverlap
		}
		return TriggerNone
	})
}

// MaxFileBytes is the largest stream file the u32 offsets can address.
const MaxFileBytes = math.MaxUint32 - stream.TrailerSize

// SizePolicy fires when the frame would push the file past maxBytes.
// It is the hard limit of the format and must always be included.
func SizePolicy(maxBytes uint64) RotationPolicy {
	return RotationPolicyFunc(func(s FileState, n NextFrame) Trigger {
		if s.FileBytes+uint64(n.Size) > maxBytes {
			return TriggerSize
		}
		return TriggerNone
	})
}

// DurationPolicy fires once the file spans d.
func DurationPolicy(d time.Duration) RotationPolicy {
	return RotationPolicyFunc(func(s FileState, n NextFrame) Trigger {
		if d > 0 && !s.FileStart.IsZero() && n.Time.Sub(s.FileStart) >= d {
			return TriggerDuration
		}
		return TriggerNone
	})
}

// BufferPolicy fires when the frame does not fit the segment buffer.
func BufferPolicy(size int) RotationPolicy {
	return RotationPolicyFunc(func(s FileState, n NextFrame) Trigger {
		if s.Buffered > 0 && s.Buffered+n.Size > size {
			return TriggerBuffer
		}
		return TriggerNone
	})
}

// FileCapPolicy fires when the folder already holds max files.
func FileCapPolicy(max int) RotationPolicy {
	return RotationPolicyFunc(func(s FileState, _ NextFrame) Trigger {
		if int(s.FileID) >= max {
			return TriggerFileCap
		}
		return TriggerNone
	})
}

// DefaultPolicy composes the standard rollover rules.
func DefaultPolicy(duration time.Duration, bufferSize, maxFiles int, maxBytes uint64) RotationPolicy {
	return CompositePolicy{
		HourPolicy(),
		OverlapPolicy(),
		SizePolicy(maxBytes),
		DurationPolicy(duration),
		BufferPolicy(bufferSize),
		FileCapPolicy(maxFiles),
	}
}

// action is what the session does with a trigger set.
type action int

const (
	actAppend action = iota
	actFlush
	actNewFile
	actNewFolder
	actDrop
)

// resolve folds a trigger set into one action. The file cap suppresses
// every new-file reason except the hour; a full file at the cap cannot
// take the frame at all.
func resolve(t Trigger) action {
	switch {
	case t.Has(TriggerHour):
		return actNewFolder
	case t.Has(newFile) && !t.Has(TriggerFileCap):
		return actNewFile
	case t.Has(TriggerSize):
		return actDrop
	case t.Has(TriggerBuffer):
		return actFlush
	}
	return actAppend
}
