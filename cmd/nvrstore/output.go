package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"nvrstore/internal/meta"
)

// printer handles table or JSON output.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string) *printer {
	return &printer{format: format, w: os.Stdout}
}

func (p *printer) isJSON() bool { return p.format == "json" }

// json marshals v as indented JSON.
func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes rows using tabwriter. header is the first row.
func (p *printer) table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// kv prints a key-value detail view.
func (p *printer) kv(pairs [][2]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, pair := range pairs {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", pair[0], pair[1])
	}
	_ = tw.Flush()
}

// parseTime accepts RFC 3339 or a local wall time in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

// parseEvents turns "schedule,alarm" into category bits. Empty means all.
func parseEvents(s string) (uint8, error) {
	if s == "" || s == "all" {
		return meta.AllEvents, nil
	}
	var bits uint8
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		found := false
		for i := range meta.Categories {
			bit := uint8(1) << i
			if meta.CategoryName(bit) == name {
				bits |= bit
				found = true
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown event category %q", name)
		}
	}
	return bits, nil
}

func eventNames(bits uint8) string {
	var names []string
	for i := range meta.Categories {
		if bit := uint8(1) << i; bits&bit != 0 {
			names = append(names, meta.CategoryName(bit))
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

func unixTime(sec uint32, loc *time.Location) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(int64(sec), 0).In(loc).Format(time.DateTime)
}
