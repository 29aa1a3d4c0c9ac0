package model

import "time"

// ChangeKind is the kind of filesystem mutation reported by the watcher.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
	ChangeRenamed  ChangeKind = "renamed"
)

// ChangeEvent describes one detected mutation under the workspace root.
//
// Path is workspace-relative in slash form with a leading "/". An empty
// Path means the whole tree may have changed and clients should do a
// full refresh.
type ChangeEvent struct {
	Path       string     `json:"path"`
	Kind       ChangeKind `json:"kind"`
	DetectedAt time.Time  `json:"detectedAt"`
}

// IsRoot reports whether the event asks for a full refresh.
func (e ChangeEvent) IsRoot() bool {
	return e.Path == ""
}

// SaveRecord is a journal entry for a successful client save.
type SaveRecord struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connectionId"`
	Path         string    `json:"path"`
	Size         int       `json:"size"`
	Digest       string    `json:"digest"`
	SavedAt      time.Time `json:"savedAt"`
}
