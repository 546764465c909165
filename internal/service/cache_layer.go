package service

import (
	"sort"

	"github.com/devrev/indexstore/internal/model"
)

// cacheLayer holds the buffered mutations of one flush generation. The
// active layer receives writes; a flushing layer is frozen while its rows
// are being committed.
type cacheLayer struct {
	// sets holds the versions of each id, most recent first
	sets map[string][]*model.HistoricalValue
	// removes holds the height of the latest remove per id
	removes map[string]uint64
	// firstTouch holds the height of the first mutation per id. Stored open
	// rows of the id are closed at this height on flush.
	firstTouch map[string]uint64
	// lastTouch holds the height of the latest mutation per id
	lastTouch map[string]uint64
	maxHeight uint64
}

func newCacheLayer() *cacheLayer {
	return &cacheLayer{
		sets:       make(map[string][]*model.HistoricalValue),
		removes:    make(map[string]uint64),
		firstTouch: make(map[string]uint64),
		lastTouch:  make(map[string]uint64),
	}
}

func (l *cacheLayer) empty() bool {
	return len(l.firstTouch) == 0
}

func (l *cacheLayer) touch(id string, height uint64) {
	if _, ok := l.firstTouch[id]; !ok {
		l.firstTouch[id] = height
	}
	if height > l.lastTouch[id] {
		l.lastTouch[id] = height
	}
	if height > l.maxHeight {
		l.maxHeight = height
	}
}

// ids returns every id mutated in this layer, sorted
func (l *cacheLayer) ids() []string {
	ids := make([]string, 0, len(l.firstTouch))
	for id := range l.firstTouch {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// resolve answers a lookup at height from this layer alone. resolved is
// false when the layer knows nothing about id.
func (l *cacheLayer) resolve(id string, height uint64) (entity *model.Entity, resolved bool) {
	for _, hv := range l.sets[id] {
		if hv.StartHeight > height {
			continue
		}
		if hv.EndHeight != nil && height >= *hv.EndHeight {
			return nil, true
		}
		if hv.Removed {
			return nil, true
		}
		return hv.Data, true
	}
	if removedAt, ok := l.removes[id]; ok && removedAt <= height {
		return nil, true
	}
	return nil, false
}

func (l *cacheLayer) versionCount() int {
	n := 0
	for _, hvs := range l.sets {
		n += len(hvs)
	}
	return n
}

// mergeUnder folds an older layer back underneath l, as if l's mutations had
// been applied on top of older. Used when the flush of older rolls back.
func (l *cacheLayer) mergeUnder(older *cacheLayer) {
	for id, last := range older.lastTouch {
		if last > l.lastTouch[id] {
			l.lastTouch[id] = last
		}
	}
	for id, first := range older.firstTouch {
		newerFirst, touched := l.firstTouch[id]
		if !touched {
			if hvs, ok := older.sets[id]; ok {
				l.sets[id] = hvs
			}
			if h, ok := older.removes[id]; ok {
				l.removes[id] = h
			}
			l.firstTouch[id] = first
			continue
		}

		// The newer layer's first mutation closes whatever was open in the
		// older layer, as a set (a version starting there) or a remove.
		newer := l.sets[id]
		replacedByNewer := len(newer) > 0 && newer[len(newer)-1].StartHeight == newerFirst

		var kept []*model.HistoricalValue
		for _, hv := range older.sets[id] {
			if hv.StartHeight >= newerFirst {
				continue
			}
			kept = append(kept, hv)
		}
		if len(kept) > 0 && kept[0].EndHeight == nil {
			kept[0].EndHeight = model.Height(newerFirst)
			kept[0].Removed = !replacedByNewer
		} else if len(kept) > 0 && *kept[0].EndHeight == newerFirst {
			kept[0].Removed = !replacedByNewer
		}

		if merged := append(newer, kept...); len(merged) > 0 {
			l.sets[id] = merged
		}
		if _, ok := l.removes[id]; !ok {
			if h, ok := older.removes[id]; ok {
				l.removes[id] = h
			}
		}
		l.firstTouch[id] = first
	}
	if older.maxHeight > l.maxHeight {
		l.maxHeight = older.maxHeight
	}
}
