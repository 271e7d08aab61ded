// Package track records the dependency files an execution context has loaded
// and answers whether any of them changed on disk since.
package track

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Tracker maps absolute file paths to the modification time observed when the
// file was first loaded. Once a tracked file is found missing or modified the
// tracker stays stale until discarded with its owning context.
type Tracker struct {
	mu       sync.Mutex
	files    map[string]time.Time
	upToDate bool
}

func NewTracker() *Tracker {
	return &Tracker{
		files:    make(map[string]time.Time),
		upToDate: true,
	}
}

// Record registers path with its current mtime. The first observation wins;
// re-recording an already tracked path is a no-op.
func (t *Tracker) Record(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// A file that cannot be stat'ed at load time is tracked with a zero
		// mtime so the next sweep reports it stale rather than hiding it.
		log.Debug().Str("path", path).Err(err).Msg("track: stat on record failed")
		t.record(path, time.Time{})
		return
	}
	t.record(path, info.ModTime())
}

// RecordAt registers path with an explicit mtime, used when the observed time
// comes from an enumeration that already stat'ed the file.
func (t *Tracker) RecordAt(path string, mtime time.Time) {
	t.record(path, mtime)
}

func (t *Tracker) record(path string, mtime time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.files[path]; ok {
		return
	}
	t.files[path] = mtime
}

// Len reports how many files are tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.files)
}

// UpToDate re-checks every tracked file unless a previous check already found
// a change; staleness is sticky. The scan is O(tracked files) and is meant for
// the periodic recycle sweep, not the per-run hot path.
func (t *Tracker) UpToDate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.upToDate {
		return false
	}
	for path, recorded := range t.files {
		info, err := os.Stat(path)
		if err != nil {
			log.Debug().Str("path", path).Err(err).Msg("track: tracked file missing")
			t.upToDate = false
			return false
		}
		if !info.ModTime().Equal(recorded) {
			log.Debug().
				Str("path", path).
				Time("recorded", recorded).
				Time("current", info.ModTime()).
				Msg("track: tracked file changed")
			t.upToDate = false
			return false
		}
	}
	return true
}
