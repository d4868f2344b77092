package session

import "github.com/cory-johannsen/afkeeper/internal/session/history"

// Observer event names.
const (
	EventSyncState     = "sync_state"
	EventStatus        = "status"
	EventProfileUpdate = "profile_update"
	EventLog           = "log"
)

// Status is the payload of a status event.
type Status struct {
	ID       int    `json:"id"`
	Online   bool   `json:"online"`
	Identity string `json:"email"`
	Username string `json:"username"`
}

// ProfileUpdate is the payload of a profile_update event.
type ProfileUpdate struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// LogLine is the payload of a log event.
type LogLine struct {
	ID   int              `json:"id"`
	Msg  string           `json:"msg"`
	Type history.Category `json:"type"`
}

// SyncState is the full snapshot of one session sent to a new observer.
type SyncState struct {
	ID       int             `json:"id"`
	Online   bool            `json:"online"`
	Logs     []history.Entry `json:"logs"`
	Identity string          `json:"email"`
	Username string          `json:"username"`
}

// Broadcaster delivers session events to every connected observer.
//
// Broadcast is called with the session's lock held; it must not block and
// must not call back into the Manager.
type Broadcaster interface {
	Broadcast(sessionID int, event string, payload any)
}

// Journal persists history entries outside the process. Record must not block.
type Journal interface {
	Record(sessionID int, e history.Entry)
}

type nopJournal struct{}

func (nopJournal) Record(int, history.Entry) {}
