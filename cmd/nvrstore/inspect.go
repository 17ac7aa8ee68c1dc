package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nvrstore/internal/backup"
	"nvrstore/internal/layout"
	"nvrstore/internal/meta"
	"nvrstore/internal/stream"

	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Dump the headers of a stream file or the records of an index file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			tz, _ := cmd.Flags().GetString("tz")
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}
			path := args[0]
			p := newPrinter("table")
			switch filepath.Base(path) {
			case layout.EventFile:
				return inspectEvents(p, path, loc)
			case layout.IFrameFile:
				return inspectIFrames(p, path, loc, limit)
			case layout.TimeIndexFile:
				return inspectTimeIndex(p, path)
			}
			if _, err := layout.ParseStreamName(filepath.Base(path)); err != nil {
				return fmt.Errorf("%s: not a stream or index file", path)
			}
			return inspectStream(p, path, loc, limit)
		},
	}
	cmd.Flags().Int("limit", 100, "maximum frames or records to print (0: all)")
	cmd.Flags().String("tz", "Local", "time zone for timestamps")
	return cmd
}

func inspectStream(p *printer, path string, loc *time.Location, limit int) error {
	r, err := stream.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	h := r.Header()
	p.kv([][2]string{
		{"File", path},
		{"Next offset", strconv.FormatUint(uint64(h.NextOffset), 10)},
		{"Running", strconv.FormatBool(h.Running)},
		{"Backup flags", backupFlags(h.BackupFlags)},
		{"Device type", strconv.Itoa(int(h.DeviceType))},
	})
	fmt.Fprintln(p.w)

	var rows [][]string
	frames := 0
	for off := uint32(stream.HeaderSize); off < r.Limit(); {
		fh, err := r.FrameHeaderAt(off)
		if err != nil {
			return fmt.Errorf("frame at %d: %w", off, err)
		}
		frames++
		if limit == 0 || len(rows) < limit {
			rows = append(rows, []string{
				strconv.FormatUint(uint64(off), 10),
				time.UnixMilli(fh.UnixMilli()).In(loc).Format("15:04:05.000"),
				frameKind(fh),
				strconv.Itoa(fh.PayloadSize()),
				eventNames(fh.EventBits),
				strconv.Itoa(int(fh.DiskID)),
				strconv.Itoa(int(fh.CameraNo)),
			})
		}
		if fh.Length < stream.FrameHeaderSize {
			return fmt.Errorf("frame at %d: %w", off, stream.ErrBadFrame)
		}
		off += fh.Length
	}
	p.table([]string{"OFFSET", "TIME", "KIND", "PAYLOAD", "EVENTS", "DISK", "CAMERA"}, rows)
	fmt.Fprintf(p.w, "\n%d frames\n", frames)
	return nil
}

func frameKind(fh stream.FrameHeader) string {
	if fh.IsAudio() {
		return "audio"
	}
	switch fh.FrameType {
	case stream.FrameI:
		return "I"
	case stream.FrameP:
		return "P"
	case stream.FrameB:
		return "B"
	}
	return strconv.Itoa(int(fh.FrameType))
}

func backupFlags(flags uint8) string {
	var names []string
	for _, k := range []backup.Kind{backup.KindMedia, backup.KindFTP, backup.KindManual, backup.KindScheduled} {
		if flags&k.Flag() != 0 {
			names = append(names, k.String())
		}
	}
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ",")
}

func inspectEvents(p *printer, path string, loc *time.Location) error {
	recs, err := meta.ReadAll(path, meta.EventCodec)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(recs))
	for i, r := range recs {
		rows = append(rows, []string{
			strconv.Itoa(i),
			eventNames(r.EventType),
			unixTime(r.StartTime, loc),
			unixTime(r.EndTime, loc),
			fmt.Sprintf("%d@%d", r.StartFileID, r.StartOffset),
			fmt.Sprintf("%d@%d", r.StopFileID, r.StopOffset),
			strconv.FormatBool(r.Overlap),
			strconv.Itoa(int(r.DiskID)),
		})
	}
	p.table([]string{"#", "EVENTS", "START", "END", "FROM", "TO", "OVERLAP", "DISK"}, rows)
	return nil
}

func inspectIFrames(p *printer, path string, loc *time.Location, limit int) error {
	recs, err := meta.ReadAll(path, meta.IFrameCodec)
	if err != nil {
		return err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	rows := make([][]string, 0, len(recs))
	for i, r := range recs {
		rows = append(rows, []string{
			strconv.Itoa(i),
			unixTime(r.Timestamp, loc),
			strconv.Itoa(int(r.FileID)),
			strconv.FormatUint(uint64(r.StreamOffset), 10),
			strconv.Itoa(int(r.DiskID)),
		})
	}
	p.table([]string{"#", "TIME", "FILE", "OFFSET", "DISK"}, rows)
	return nil
}

func inspectTimeIndex(p *printer, path string) error {
	recs, err := meta.ReadAll(path, meta.TimeIndexCodec)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, []string{
			strconv.Itoa(int(r.Minute)),
			strconv.Itoa(int(r.FileID)),
			strconv.FormatUint(uint64(r.FSHOffset), 10),
			strconv.FormatBool(r.Overlap),
			strconv.Itoa(int(r.DiskID)),
		})
	}
	p.table([]string{"MINUTE", "FILE", "OFFSET", "OVERLAP", "DISK"}, rows)
	return nil
}

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Read backup archives",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls <archive>",
		Short: "List the files of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := backup.ListArchive(args[0])
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.Name, strconv.FormatInt(e.Size, 10)})
			}
			newPrinter("table").table([]string{"NAME", "SIZE"}, rows)
			return nil
		},
	}, &cobra.Command{
		Use:   "cat <archive> <name>",
		Short: "Write one archived file to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return backup.ExtractArchiveFile(args[0], args[1], os.Stdout)
		},
	})
	return cmd
}
