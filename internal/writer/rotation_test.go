package writer

import (
	"testing"
	"time"
)

func TestDefaultPolicyTriggers(t *testing.T) {
	hour := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	base := FileState{
		Hour:      hour,
		FileID:    1,
		FileStart: hour.Add(time.Minute),
		LastFrame: hour.Add(5 * time.Minute),
		FileBytes: 1000,
		Buffered:  500,
	}
	p := DefaultPolicy(15*time.Minute, 1024, 3, 10_000)

	tests := []struct {
		name  string
		state func(FileState) FileState
		next  NextFrame
		want  Trigger
		act   action
	}{
		{"steady", nil, NextFrame{Time: hour.Add(5*time.Minute + time.Second), Size: 100}, TriggerNone, actAppend},
		{"hour", nil, NextFrame{Time: hour.Add(time.Hour), Size: 100}, TriggerHour, actNewFolder},
		{"small jitter is not overlap", nil, NextFrame{Time: hour.Add(5*time.Minute - time.Second), Size: 100}, TriggerNone, actAppend},
		{"clock back", nil, NextFrame{Time: hour.Add(4 * time.Minute), Size: 100}, TriggerOverlap, actNewFile},
		{"duration", nil, NextFrame{Time: hour.Add(16 * time.Minute), Size: 100}, TriggerDuration, actNewFile},
		{"buffer", nil, NextFrame{Time: hour.Add(5*time.Minute + time.Second), Size: 600}, TriggerBuffer, actFlush},
		{"size", func(s FileState) FileState { s.FileBytes = 9_950; return s }, NextFrame{Time: hour.Add(5*time.Minute + time.Second), Size: 100}, TriggerSize, actNewFile},
		{
			"cap suppresses duration",
			func(s FileState) FileState { s.FileID = 3; return s },
			NextFrame{Time: hour.Add(16 * time.Minute), Size: 100},
			TriggerDuration | TriggerFileCap, actAppend,
		},
		{
			"cap still flushes",
			func(s FileState) FileState { s.FileID = 3; return s },
			NextFrame{Time: hour.Add(16 * time.Minute), Size: 600},
			TriggerDuration | TriggerBuffer | TriggerFileCap, actFlush,
		},
		{
			"full file at cap drops",
			func(s FileState) FileState { s.FileID = 3; s.FileBytes = 9_950; return s },
			NextFrame{Time: hour.Add(5*time.Minute + time.Second), Size: 100},
			TriggerSize | TriggerFileCap, actDrop,
		},
		{
			"hour wins at cap",
			func(s FileState) FileState { s.FileID = 3; return s },
			NextFrame{Time: hour.Add(time.Hour), Size: 100},
			TriggerHour | TriggerDuration | TriggerFileCap, actNewFolder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := base
			if tt.state != nil {
				st = tt.state(st)
			}
			got := p.Check(st, tt.next)
			if got != tt.want {
				t.Errorf("Check = %s, want %s", got, tt.want)
			}
			if a := resolve(got); a != tt.act {
				t.Errorf("resolve(%s) = %d, want %d", got, a, tt.act)
			}
		})
	}
}

func TestTriggerString(t *testing.T) {
	if s := (TriggerHour | TriggerBuffer).String(); s != "hour+buffer" {
		t.Errorf("got %q", s)
	}
	if s := TriggerNone.String(); s != "none" {
		t.Errorf("got %q", s)
	}
	if l := lowest(TriggerDuration | TriggerSize); l != TriggerSize {
		t.Errorf("lowest = %s", l)
	}
}

func TestFirstFrameNeverRotates(t *testing.T) {
	hour := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	p := DefaultPolicy(time.Second, 16, 255, MaxFileBytes)
	st := FileState{Hour: hour, FileID: 1, FileBytes: 12}
	if got := p.Check(st, NextFrame{Time: hour.Add(30 * time.Minute), Size: 4096}); got != TriggerNone {
		t.Errorf("empty file triggered %s", got)
	}
}
