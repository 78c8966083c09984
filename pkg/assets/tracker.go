package assets

import (
	"log/slog"
	"sort"

	"github.com/astromechza/automerge-rooms/pkg/session"
)

// Enqueuer receives the URLs whose last reference disappeared.
type Enqueuer interface {
	Enqueue(roomID, url string) bool
}

// Tracker observes a session and schedules the deletion of every asset whose reference count drops to zero through
// an accepted origin. Changes replayed from other replicas are ignored by default so each removal is cleaned up once,
// by the replica that authored it.
type Tracker struct {
	roomID  string
	reaper  Enqueuer
	origins map[session.Origin]bool
	logger  *slog.Logger
}

var _ session.Observer = (*Tracker)(nil)

// NewTracker accepts OriginLocal mutations unless other origins are given.
func NewTracker(roomID string, reaper Enqueuer, logger *slog.Logger, origins ...session.Origin) *Tracker {
	if len(origins) == 0 {
		origins = []session.Origin{session.OriginLocal}
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		roomID:  roomID,
		reaper:  reaper,
		origins: make(map[session.Origin]bool, len(origins)),
		logger:  logger.With("room", roomID),
	}
	for _, o := range origins {
		t.origins[o] = true
	}
	return t
}

func (t *Tracker) Observe(m session.Mutation) {
	if !t.origins[m.Origin] {
		return
	}
	if m.Before == nil || m.After == nil {
		t.logger.Warn("skipping asset diff without both trees", "version", m.Version)
		return
	}
	for _, url := range Removed(m.Before.AssetRefs(), m.After.AssetRefs()) {
		t.logger.Debug("asset reference released", "url", url, "origin", m.Origin)
		t.reaper.Enqueue(t.roomID, url)
	}
}

// Removed returns, sorted, the references counted in before and no longer in after.
func Removed(before, after map[string]int) []string {
	var out []string
	for url, n := range before {
		if n > 0 && after[url] == 0 {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}
