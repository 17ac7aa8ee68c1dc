package main

import (
	"testing"
	"time"

	"nvrstore/internal/backup"
	"nvrstore/internal/meta"
)

func TestParseEvents(t *testing.T) {
	tests := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"", meta.AllEvents, false},
		{"all", meta.AllEvents, false},
		{"schedule", meta.EventSchedule, false},
		{"alarm, manual", meta.EventAlarm | meta.EventManual, false},
		{"motion", 0, true},
	}
	for _, tt := range tests {
		got, err := parseEvents(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseEvents(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseEvents(%q) = %04b, want %04b", tt.in, got, tt.want)
		}
	}
	if got := eventNames(meta.EventSchedule | meta.EventCosec); got != "schedule,cosec" {
		t.Errorf("eventNames = %q", got)
	}
}

func TestParseTime(t *testing.T) {
	oslo, err := time.LoadLocation("Europe/Oslo")
	if err != nil {
		t.Skip("no tzdata")
	}
	want := time.Date(2024, 3, 5, 10, 30, 0, 0, oslo)
	for _, in := range []string{"2024-03-05 10:30", "2024-03-05T10:30", "2024-03-05T09:30:00Z"} {
		got, err := parseTime(in, oslo)
		if err != nil {
			t.Fatalf("parseTime(%q): %v", in, err)
		}
		if !got.Equal(want) {
			t.Errorf("parseTime(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := parseTime("yesterday", oslo); err == nil {
		t.Error("expected error for free text")
	}
}

func TestBackupFlags(t *testing.T) {
	if got := backupFlags(0); got != "-" {
		t.Errorf("no flags = %q", got)
	}
	got := backupFlags(backup.KindMedia.Flag() | backup.KindScheduled.Flag())
	want := backup.KindMedia.String() + "," + backup.KindScheduled.String()
	if got != want {
		t.Errorf("flags = %q, want %q", got, want)
	}
}
