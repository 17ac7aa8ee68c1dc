// Package search answers recording queries: direct scans of the event
// index files merged across drives and cameras, and calendar queries
// served from the year maps through an in-memory month cache.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"nvrstore/internal/format"
	"nvrstore/internal/layout"
	"nvrstore/internal/logging"
	"nvrstore/internal/meta"
	"nvrstore/internal/metrics"
	"nvrstore/internal/status"
	"nvrstore/internal/volume"
	"nvrstore/internal/yearmap"
)

// Kind is the type of a search request.
type Kind uint8

const (
	KindNormal   Kind = iota // one capped, sorted result set
	KindAsyncAll             // every camera, streamed in batches
	KindMonth                // days of a month with recordings
	KindDay                  // recorded minutes of a day
)

func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindAsyncAll:
		return "async_all"
	case KindMonth:
		return "month"
	case KindDay:
		return "day"
	}
	return "unknown"
}

// asyncBatch is the number of records per AsyncAll reply.
const asyncBatch = 64

// Request is a search request from a network client.
type Request struct {
	ID       string
	Kind     Kind
	Criteria Criteria
}

// Config wires an Engine.
type Config struct {
	Volumes  volume.Resolver
	Channels int
	Location *time.Location
	Locks    *yearmap.Locks
	// Slots is the number of concurrent clients.
	Slots int
	// Workers bounds the per-request fan-out over drives and cameras.
	Workers int
	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Engine runs searches. It is safe for concurrent use.
type Engine struct {
	vols     volume.Resolver
	channels int
	loc      *time.Location
	workers  int
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger

	slots *SlotTable
	cal   *calendar
}

func New(cfg Config) (*Engine, error) {
	if cfg.Volumes == nil {
		return nil, errors.New("search: volume resolver required")
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("search: invalid channel count %d", cfg.Channels)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Locks == nil {
		cfg.Locks = yearmap.NewLocks(cfg.Channels)
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 8
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		vols:     cfg.Volumes,
		channels: cfg.Channels,
		loc:      cfg.Location,
		workers:  cfg.Workers,
		now:      cfg.Now,
		metrics:  cfg.Metrics,
		logger:   logging.Default(cfg.Logger).With("component", "search"),
		slots:    NewSlotTable(cfg.Slots),
		cal:      newCalendar(cfg.Locks, cfg.Location, cfg.Now),
	}, nil
}

// Slots exposes the client slot table.
func (e *Engine) Slots() *SlotTable { return e.slots }

// Search scans the event index files selected by c and returns at most
// c.MaxRecords results ordered by start time. Ties keep scan order:
// drives as configured, then cameras, then hours.
func (e *Engine) Search(ctx context.Context, c Criteria) (Results, error) {
	if err := c.validate(e.channels); err != nil {
		return Results{}, err
	}
	vols, err := e.volumesFor(c.Drive)
	if err != nil {
		return Results{}, err
	}
	channels := []int{c.Channel}
	if c.Channel == AllChannels {
		channels = make([]int, e.channels)
		for i := range channels {
			channels[i] = i
		}
	}

	now := e.now()
	parts := make([]*partial, len(vols)*len(channels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for vi, v := range vols {
		for ci, ch := range channels {
			idx := vi*len(channels) + ci
			g.Go(func() error {
				rs, err := e.scanChannel(gctx, v, ch, c, now)
				if err != nil {
					return err
				}
				parts[idx] = &partial{order: idx, results: rs}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return Results{}, err
	}

	limit := c.MaxRecords
	if limit == 0 {
		limit = MaxRecordsLimit
	}
	recs, more := merge(parts, limit)
	e.metrics.Search(KindNormal.String())
	return Results{Records: recs, More: more}, nil
}

// scanChannel scans every hour folder of one camera on one drive that
// overlaps the query range.
func (e *Engine) scanChannel(ctx context.Context, v volume.Volume, ch int, c Criteria, now time.Time) ([]Result, error) {
	folders, err := layout.ListHourFolders(v.Path, ch, c.From, c.To.Add(time.Second), e.loc)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, f := range folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rs, err := e.scanFolder(f, v, c, now)
		if err != nil {
			if unreadable(err) {
				e.logger.Warn("skipping unreadable event index", "folder", f.Dir(), "error", err)
				continue
			}
			return nil, err
		}
		out = append(out, rs...)
	}
	slices.SortStableFunc(out, func(a, b Result) int { return a.Start.Compare(b.Start) })
	return out, nil
}

func unreadable(err error) bool {
	return errors.Is(err, format.ErrSignatureMismatch) ||
		errors.Is(err, format.ErrVersionMismatch) ||
		errors.Is(err, format.ErrHeaderTooSmall)
}

// volumesFor lists the healthy volumes a query covers.
func (e *Engine) volumesFor(drive string) ([]volume.Volume, error) {
	var out []volume.Volume
	for _, v := range e.vols.ReadHddConfig() {
		if drive != "" && v.Name != drive {
			continue
		}
		if !e.vols.Healthy(v.Name) {
			continue
		}
		out = append(out, v)
	}
	if drive != "" && len(out) == 0 {
		return nil, fmt.Errorf("%w: drive %q unavailable", ErrBadCriteria, drive)
	}
	return out, nil
}

func (e *Engine) volume(drive string, channel int) (volume.Volume, error) {
	if channel < 0 || channel >= e.channels {
		return volume.Volume{}, fmt.Errorf("%w: channel %d", ErrBadCriteria, channel)
	}
	vols, err := e.volumesFor(drive)
	if err != nil {
		return volume.Volume{}, err
	}
	if len(vols) == 0 {
		return volume.Volume{}, fmt.Errorf("%w: no healthy drive", ErrBadCriteria)
	}
	return vols[0], nil
}

// GenerateLocalRecDatabase rebuilds the month cache of one camera on one
// drive: the twelve months ending at (year, month).
func (e *Engine) GenerateLocalRecDatabase(ctx context.Context, drive string, channel, year int, month time.Month) error {
	v, err := e.volume(drive, channel)
	if err != nil {
		return err
	}
	return e.cal.build(ctx, v, channel, year, month)
}

// InvalidateDrive drops the cached months of a drive, for instance after
// retention deleted folders on it.
func (e *Engine) InvalidateDrive(drive string) { e.cal.invalidate(drive) }

// MonthDays returns a mask with bit d-1 set for every day d of the month
// on which any category in events was recorded.
func (e *Engine) MonthDays(drive string, channel, year int, month time.Month, events uint8) (uint32, error) {
	v, err := e.volume(drive, channel)
	if err != nil {
		return 0, err
	}
	days, err := e.cal.month(v, channel, year, month)
	if err != nil {
		return 0, err
	}
	var mask uint32
	for i := range days {
		if days[i].Any(events) {
			mask |= 1 << i
		}
	}
	return mask, nil
}

// DayMinutes returns the recorded minutes of a day for the categories in
// events.
func (e *Engine) DayMinutes(drive string, channel int, day time.Time, events uint8) (yearmap.Bitmap, error) {
	v, err := e.volume(drive, channel)
	if err != nil {
		return yearmap.Bitmap{}, err
	}
	day = day.In(e.loc)
	days, err := e.cal.month(v, channel, day.Year(), day.Month())
	if err != nil {
		return yearmap.Bitmap{}, err
	}
	return days[day.Day()-1].Merged(events), nil
}

// Handle runs a client's request on its slot and sends the replies. A
// busy slot is rejected with ErrSlotBusy and no reply is sent.
func (e *Engine) Handle(ctx context.Context, slot int, req Request, rep Replier) error {
	ctx, release, err := e.slots.Acquire(ctx, slot)
	if err != nil {
		return err
	}
	defer release()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	err = e.dispatch(ctx, req, rep)
	if err != nil && ctx.Err() == nil {
		// Tell the client; an abandoned client gets nothing.
		_ = rep.Reply(ctx, Reply{RequestID: req.ID, Kind: req.Kind, Status: status.Of(err), Final: true})
	}
	if err != nil {
		e.logger.Debug("search failed", "request", req.ID, "kind", req.Kind, "error", err)
	}
	return err
}

func (e *Engine) dispatch(ctx context.Context, req Request, rep Replier) error {
	c := req.Criteria
	switch req.Kind {
	case KindNormal:
		res, err := e.Search(ctx, c)
		if err != nil {
			return err
		}
		return rep.Reply(ctx, Reply{RequestID: req.ID, Kind: req.Kind, Status: resultStatus(res), Records: res.Records, Final: true})

	case KindAsyncAll:
		c.Channel = AllChannels
		c.Events = meta.AllEvents
		res, err := e.Search(ctx, c)
		if err != nil {
			return err
		}
		return e.replyBatches(ctx, req, res, rep)

	case KindMonth:
		from := c.From.In(e.loc)
		days, err := e.MonthDays(c.Drive, c.Channel, from.Year(), from.Month(), eventsOrAll(c.Events))
		if err != nil {
			return err
		}
		e.metrics.Search(req.Kind.String())
		st := status.Success
		if days == 0 {
			st = status.NoRecordFound
		}
		return rep.Reply(ctx, Reply{RequestID: req.ID, Kind: req.Kind, Status: st, Days: days, Final: true})

	case KindDay:
		bm, err := e.DayMinutes(c.Drive, c.Channel, c.From, eventsOrAll(c.Events))
		if err != nil {
			return err
		}
		e.metrics.Search(req.Kind.String())
		st := status.Success
		if !bm.Any() {
			st = status.NoRecordFound
		}
		return rep.Reply(ctx, Reply{RequestID: req.ID, Kind: req.Kind, Status: st, Minutes: bm[:], Final: true})
	}
	return fmt.Errorf("%w: request kind %d", ErrBadCriteria, req.Kind)
}

func (e *Engine) replyBatches(ctx context.Context, req Request, res Results, rep Replier) error {
	if len(res.Records) == 0 {
		return rep.Reply(ctx, Reply{RequestID: req.ID, Kind: req.Kind, Status: status.NoRecordFound, Final: true})
	}
	for i := 0; i < len(res.Records); i += asyncBatch {
		batch := res.Records[i:min(i+asyncBatch, len(res.Records))]
		final := i+asyncBatch >= len(res.Records)
		st := status.Success
		if final && res.More {
			st = status.MoreData
		}
		if err := rep.Reply(ctx, Reply{RequestID: req.ID, Kind: req.Kind, Status: st, Records: batch, Final: final}); err != nil {
			return err
		}
	}
	return nil
}

func resultStatus(res Results) status.Code {
	switch {
	case len(res.Records) == 0:
		return status.NoRecordFound
	case res.More:
		return status.MoreData
	}
	return status.Success
}

func eventsOrAll(events uint8) uint8 {
	if events&meta.AllEvents == 0 {
		return meta.AllEvents
	}
	return events
}
