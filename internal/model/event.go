package model

// ChangeType classifies a write event by before/after existence.
type ChangeType int

const (
	Created ChangeType = iota + 1
	Updated
	Deleted
)

func (c ChangeType) String() string {
	switch c {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// WriteEvent describes a single document write under a job subcollection.
type WriteEvent struct {
	JobID      string
	Collection string // CollMaterials or CollSessions
	DocID      string
	Before     *Document // nil when the document was created
	After      *Document // nil when the document was deleted
}

// Path returns the written document's path.
func (e WriteEvent) Path() string {
	return JobPath(e.JobID) + "/" + e.Collection + "/" + e.DocID
}

// Change derives the change type from before/after existence.
func (e WriteEvent) Change() ChangeType {
	switch {
	case e.After == nil:
		return Deleted
	case e.Before == nil:
		return Created
	default:
		return Updated
	}
}
