package dispatch

import (
	"time"

	"fwdbot/internal/platform"
)

// NextRemembered applies the replacement rule: the newest source message
// replaces the remembered one only if it has not been forwarded yet and is
// younger than maxAge. latest is the source's newest-first listing.
func NextRemembered(remembered platform.Message, latest []platform.Message, now time.Time, maxAge time.Duration) platform.Message {
	if len(latest) == 0 {
		return remembered
	}
	cand, ok := platform.LatestUnforwarded(latest[:1], now, maxAge)
	if !ok {
		return remembered
	}
	if cand.ID == remembered.ID && cand.ChatID == remembered.ChatID {
		return remembered
	}
	return cand
}

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []int64, size int) [][]int64 {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(ids)
	}
	out := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}
