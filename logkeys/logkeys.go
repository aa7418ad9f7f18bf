// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	InstanceID = "instance_id"

	BookmarkName = "bookmark_name"

	// the kind of host operation being serviced (run, persist, etc.)
	Operation = "operation"

	// coarse lifecycle state of an instance
	State = "state"

	// execution status reported by the tree runner
	Status = "status"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
