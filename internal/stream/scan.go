package stream

import (
	"context"
	"io"
)

// ScanResult describes the valid frame chain found by Scan.
type ScanResult struct {
	Frames    int
	LastFrame uint32      // offset of the last valid frame header
	Last      FrameHeader // header of that frame
	End       uint32      // first byte after the last valid frame
}

// Scan walks the frame chain of a possibly torn file from the frame
// boundary at from, up to size bytes. A frame is accepted when its marker
// and length are sane, its payload lies within size and its links agree
// with its neighbours. The walk stops at the first frame that fails.
//
// The link check of the first frame is skipped: from is trusted.
func Scan(ctx context.Context, r io.ReaderAt, size int64, from uint32) (ScanResult, error) {
	var (
		res = ScanResult{End: from}
		buf [FrameHeaderSize]byte
		off = from
	)
	for int64(off)+FrameHeaderSize <= size {
		if res.Frames%256 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		if _, err := r.ReadAt(buf[:], int64(off)); err != nil {
			break
		}
		h, err := DecodeFrameHeader(buf[:])
		if err != nil {
			break
		}
		end := int64(off) + int64(h.Length)
		if end > size {
			break
		}
		if h.NextOffset != 0 && int64(h.NextOffset) != end {
			break
		}
		if res.Frames > 0 && h.PrevOffset != res.LastFrame {
			break
		}
		res.Frames++
		res.LastFrame = off
		res.Last = h
		res.End = uint32(end)
		off = uint32(end)
	}
	return res, nil
}
