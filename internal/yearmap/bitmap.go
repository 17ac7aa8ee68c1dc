// Package yearmap maintains the per-camera, per-year bitmap of recorded
// minutes.
//
// File layout:
//
//	header (8 bytes): signature (u16), version (u16), year (u16), reserved (u16)
//	entries [12 month][31 day][4 category], each:
//	  bitmap  (180 bytes, bit m = minute m of the day, LSB first)
//	  overlap (u8)
package yearmap

import "math/bits"

const (
	MinutesPerDay = 24 * 60
	BitmapSize    = MinutesPerDay / 8
)

// Bitmap marks recorded minutes of one day.
type Bitmap [BitmapSize]byte

func (b *Bitmap) Set(minute int) {
	b[minute/8] |= 1 << (minute % 8)
}

func (b *Bitmap) Has(minute int) bool {
	return b[minute/8]&(1<<(minute%8)) != 0
}

// SetRange sets minutes from..to inclusive.
func (b *Bitmap) SetRange(from, to int) {
	from, to = max(from, 0), min(to, MinutesPerDay-1)
	for m := from; m <= to; m++ {
		b.Set(m)
	}
}

// ClearRange clears minutes from..to inclusive.
func (b *Bitmap) ClearRange(from, to int) {
	from, to = max(from, 0), min(to, MinutesPerDay-1)
	for m := from; m <= to; m++ {
		b[m/8] &^= 1 << (m % 8)
	}
}

// Any reports whether any minute is set.
func (b *Bitmap) Any() bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

// AnyInRange reports whether any minute in from..to is set.
func (b *Bitmap) AnyInRange(from, to int) bool {
	from, to = max(from, 0), min(to, MinutesPerDay-1)
	for m := from; m <= to; m++ {
		if b.Has(m) {
			return true
		}
	}
	return false
}

// Count returns the number of set minutes.
func (b *Bitmap) Count() int {
	n := 0
	for _, v := range b {
		n += bits.OnesCount8(v)
	}
	return n
}

// Or merges o into b.
func (b *Bitmap) Or(o *Bitmap) {
	for i := range b {
		b[i] |= o[i]
	}
}
