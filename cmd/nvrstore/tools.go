package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"nvrstore/internal/backup"
	"nvrstore/internal/config"
	"nvrstore/internal/diskmanager"
	"nvrstore/internal/search"
	"nvrstore/internal/volume"

	"github.com/spf13/cobra"
)

// offline is an engine built for a maintenance command. It is never
// initialized: nothing records while the command runs.
type offline struct {
	dm       *diskmanager.Manager
	settings *config.Settings
	locks    []*volume.Lock
}

// openOffline builds the engine from the stored configuration. With lock
// set, every mounted volume is locked first so the command cannot run
// beside a live engine.
func openOffline(cmd *cobra.Command, logger *slog.Logger, lock bool) (*offline, error) {
	ctx := cmd.Context()
	hd, s, err := loadSettings(ctx, cmd)
	if err != nil {
		return nil, err
	}
	o := &offline{settings: s}
	if lock {
		for _, v := range s.Volumes {
			if _, err := os.Stat(v.Path); err != nil {
				continue
			}
			lk, err := volume.AcquireLock(v.Path)
			if err != nil {
				o.close()
				return nil, fmt.Errorf("volume %s: %w", v.Name, err)
			}
			o.locks = append(o.locks, lk)
		}
	}
	cfg := diskmanager.Config{Settings: s, Home: hd, Logger: logger}
	if s.ObjectStore != nil {
		up, err := backup.NewS3Uploader(ctx, *s.ObjectStore, logger)
		if err != nil {
			o.close()
			return nil, fmt.Errorf("object store: %w", err)
		}
		cfg.Uploader = up
	}
	if o.dm, err = diskmanager.New(cfg); err != nil {
		o.close()
		return nil, err
	}
	return o, nil
}

func (o *offline) close() {
	for _, lk := range o.locks {
		_ = lk.Release()
	}
	o.locks = nil
}

func newRecoverCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <hour-dir>...",
		Short: "Repair hour folders left behind by an unclean shutdown",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline(cmd, logger, true)
			if err != nil {
				return err
			}
			defer o.close()

			p := newPrinter("table")
			var rows [][]string
			for _, dir := range args {
				rep, err := o.dm.StartRecovery(cmd.Context(), absDir(dir))
				if err != nil {
					return fmt.Errorf("%s: %w", dir, err)
				}
				rows = append(rows, []string{
					dir,
					strconv.Itoa(len(rep.Sealed)),
					strconv.Itoa(len(rep.Renamed)),
					strconv.Itoa(len(rep.Deleted)),
					strconv.Itoa(len(rep.Repaired) + len(rep.Recreated)),
					strconv.Itoa(rep.ClosedEvents),
					strconv.FormatBool(rep.RemovedFolder),
				})
			}
			p.table([]string{"FOLDER", "SEALED", "RENAMED", "DELETED", "META", "EVENTS CLOSED", "REMOVED"}, rows)
			return nil
		},
	}
}

func newRebuildCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild <drive>",
		Short: "Regenerate the year maps of a drive from its event records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetInt("channel")
			o, err := openOffline(cmd, logger, true)
			if err != nil {
				return err
			}
			defer o.close()

			channels := []int{channel}
			if channel < 0 {
				channels = channels[:0]
				for ch := range o.settings.Channels {
					channels = append(channels, ch)
				}
			}
			for _, ch := range channels {
				if err := o.dm.BuildRecIndexFromPrevStoredData(cmd.Context(), args[0], ch); err != nil {
					return fmt.Errorf("channel %d: %w", ch, err)
				}
			}
			fmt.Printf("rebuilt %d channel(s) on %s\n", len(channels), args[0])
			return nil
		},
	}
	cmd.Flags().Int("channel", -1, "0-based channel (default: all)")
	return cmd
}

func newSearchCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "List recordings in a time range",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline(cmd, logger, false)
			if err != nil {
				return err
			}
			defer o.close()

			c, err := criteriaFromFlags(cmd, o.settings)
			if err != nil {
				return err
			}
			res, err := o.dm.SearchRecord(cmd.Context(), c)
			if err != nil {
				return err
			}

			output, _ := cmd.Flags().GetString("output")
			p := newPrinter(output)
			if p.isJSON() {
				return p.json(res)
			}
			loc := o.settings.Location
			rows := make([][]string, 0, len(res.Records))
			for _, r := range res.Records {
				end := r.End.In(loc).Format("15:04:05")
				if r.Open {
					end += " (open)"
				}
				rows = append(rows, []string{
					strconv.Itoa(r.Channel),
					r.Start.In(loc).Format("2006-01-02 15:04:05"),
					end,
					eventNames(r.EventType),
					r.Drive,
					strconv.FormatBool(r.Overlap),
				})
			}
			p.table([]string{"CHANNEL", "START", "END", "EVENTS", "DRIVE", "OVERLAP"}, rows)
			if res.More {
				fmt.Println("(more records available)")
			}
			return nil
		},
	}
	cmd.Flags().String("from", "", "start time (RFC 3339 or \"2006-01-02 15:04\")")
	cmd.Flags().String("to", "", "end time")
	cmd.Flags().Int("channel", search.AllChannels, "0-based channel (default: all)")
	cmd.Flags().String("events", "all", "comma-separated event categories")
	cmd.Flags().String("drive", "", "limit to one drive")
	cmd.Flags().Int("max", 200, "maximum records")
	cmd.Flags().StringP("output", "o", "table", "output format: table or json")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func criteriaFromFlags(cmd *cobra.Command, s *config.Settings) (search.Criteria, error) {
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")
	eventsStr, _ := cmd.Flags().GetString("events")
	c := search.Criteria{}
	c.Channel, _ = cmd.Flags().GetInt("channel")
	c.Drive, _ = cmd.Flags().GetString("drive")
	c.MaxRecords, _ = cmd.Flags().GetInt("max")

	var err error
	if c.From, err = parseTime(fromStr, s.Location); err != nil {
		return c, err
	}
	if c.To, err = parseTime(toStr, s.Location); err != nil {
		return c, err
	}
	if c.Events, err = parseEvents(eventsStr); err != nil {
		return c, err
	}
	return c, nil
}

func newExportCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <destination>",
		Short: "Copy recordings to a directory or the object store",
		Long: "Copies the stream and index files of the selected hour folders to a local\n" +
			"directory. With --remote the destination is a key prefix in the configured\n" +
			"object store, and --archive packs each hour folder into one .tar.zst.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOffline(cmd, logger, true)
			if err != nil {
				return err
			}
			defer o.close()

			fromStr, _ := cmd.Flags().GetString("from")
			toStr, _ := cmd.Flags().GetString("to")
			channels, _ := cmd.Flags().GetIntSlice("channel")
			remote, _ := cmd.Flags().GetBool("remote")
			req := backup.Request{Channels: channels, Destination: args[0]}
			req.Drive, _ = cmd.Flags().GetString("drive")
			req.Archive, _ = cmd.Flags().GetBool("archive")
			req.Incremental, _ = cmd.Flags().GetBool("incremental")
			if req.From, err = parseTime(fromStr, o.settings.Location); err != nil {
				return err
			}
			if req.To, err = parseTime(toStr, o.settings.Location); err != nil {
				return err
			}
			if len(req.Channels) == 0 {
				for ch := range o.settings.Channels {
					req.Channels = append(req.Channels, ch)
				}
			}

			var res backup.Result
			if remote {
				res, err = o.dm.BackupToFtp(cmd.Context(), req)
			} else {
				res, err = o.dm.BackupToMedia(cmd.Context(), req)
			}
			if err != nil {
				return err
			}
			newPrinter("table").kv([][2]string{
				{"Folders", strconv.Itoa(res.Folders)},
				{"Files", strconv.Itoa(res.Files)},
				{"Skipped", strconv.Itoa(res.Skipped)},
				{"Bytes", strconv.FormatInt(res.Bytes, 10)},
			})
			return nil
		},
	}
	cmd.Flags().String("from", "", "start time (RFC 3339 or \"2006-01-02 15:04\")")
	cmd.Flags().String("to", "", "end time")
	cmd.Flags().IntSlice("channel", nil, "0-based channels (default: all)")
	cmd.Flags().String("drive", "", "limit to one drive")
	cmd.Flags().Bool("remote", false, "upload to the configured object store")
	cmd.Flags().Bool("archive", false, "with --remote, upload one archive per hour folder")
	cmd.Flags().Bool("incremental", false, "skip files already exported this way")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

// absDir makes a folder argument comparable with the configured mount
// paths.
func absDir(s string) string {
	if abs, err := filepath.Abs(s); err == nil {
		return abs
	}
	return s
}
