package viewer

import (
	"log"

	"voxelview.ai/internal/chunkcache"
	"voxelview.ai/internal/persistence/indexdb"
	persistlog "voxelview.ai/internal/persistence/log"
)

// SessionRecorder fans load events out to the journal and the index. Either
// may be nil.
type SessionRecorder struct {
	SessionID string
	Journal   *persistlog.LoadJournal
	Index     *indexdb.SQLiteIndex
	Logger    *log.Logger
}

func (r *SessionRecorder) RecordLoad(ev chunkcache.LoadEvent) {
	if r.Journal != nil {
		if err := r.Journal.WriteLoad(r.SessionID, ev); err != nil && r.Logger != nil {
			r.Logger.Printf("journal write session=%s key=%s err=%v", r.SessionID, ev.Key, err)
		}
	}
	if r.Index != nil {
		r.Index.RecordLoad(r.SessionID, ev)
	}
}

// SessionRow converts a finished driver summary into an index row.
func SessionRow(id string, s Summary) indexdb.SessionRow {
	return indexdb.SessionRow{
		ID:           id,
		Ticks:        s.Ticks,
		Frames:       s.Frames,
		Fetches:      s.Cache.Fetches,
		Failures:     s.Cache.Failures,
		Released:     s.Cache.Released,
		PeakResident: s.PeakResident,
	}
}
