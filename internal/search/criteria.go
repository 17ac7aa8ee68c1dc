package search

import (
	"errors"
	"fmt"
	"time"

	"nvrstore/internal/meta"
	"nvrstore/internal/status"
)

// MaxRecordsLimit is the largest result set a single request may ask for.
const MaxRecordsLimit = 2000

var (
	ErrBadCriteria = errors.New("invalid search criteria")
	ErrTooMany     = fmt.Errorf("%w: more than %d records requested", status.ErrBufferLimit, MaxRecordsLimit)
	ErrSlotBusy    = fmt.Errorf("%w: search slot busy", status.ErrResourceLimit)
	ErrBadSlot     = fmt.Errorf("%w: no such search slot", ErrBadCriteria)
	ErrBadClient   = errors.New("unsupported search client")
)

// AllChannels selects every camera.
const AllChannels = -1

// Criteria selects recordings. The zero Drive searches every healthy
// volume.
type Criteria struct {
	From, To   time.Time
	Channel    int // AllChannels or a 0-based channel
	Events     uint8
	Drive      string
	MaxRecords int
}

// AllEvents reports whether the query asks for every event category, in
// which case adjoining events of different categories are combined.
func (c Criteria) AllEvents() bool { return c.Events&meta.AllEvents == meta.AllEvents }

func (c Criteria) validate(channels int) error {
	switch {
	case c.From.IsZero() || c.To.IsZero() || c.To.Before(c.From):
		return fmt.Errorf("%w: time range %s..%s", ErrBadCriteria, c.From, c.To)
	case c.Channel != AllChannels && (c.Channel < 0 || c.Channel >= channels):
		return fmt.Errorf("%w: channel %d", ErrBadCriteria, c.Channel)
	case c.Events&meta.AllEvents == 0:
		return fmt.Errorf("%w: empty event mask", ErrBadCriteria)
	case c.MaxRecords < 0:
		return fmt.Errorf("%w: max records %d", ErrBadCriteria, c.MaxRecords)
	case c.MaxRecords > MaxRecordsLimit:
		return ErrTooMany
	}
	return nil
}

// Result is one recorded interval.
type Result struct {
	Start     time.Time `msgpack:"start"`
	End       time.Time `msgpack:"end"`
	Channel   int       `msgpack:"channel"`
	EventType uint8     `msgpack:"eventType"`
	Overlap   bool      `msgpack:"overlap"`
	DiskID    uint8     `msgpack:"diskId"`
	Drive     string    `msgpack:"drive"`
	// Open is set for events still being recorded; End is then clipped.
	Open bool `msgpack:"open"`
}

// Results is a capped, start-ordered result set.
type Results struct {
	Records []Result
	// More is set when matches beyond the cap were dropped.
	More bool
}
