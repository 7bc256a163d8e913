// Package enums provides type-safe enumeration types shared by the queue store and the HTTP API.
//
// This package uses code generation via go-pkgz/enum to create enum types with string conversion,
// database marshaling and parsing. The unexported integer types below are the generator input, the
// exported types live in the generated *_enum.go files.
//
// Usage:
//
//	status := enums.JobStatusRunning
//	fmt.Println(status.String()) // "running"
//
//	parsed, err := enums.ParseJobStatus("cancelled")
//	if err != nil {
//	    // handle invalid input
//	}
//
// Enums are stored in the database as strings and converted transparently via Scan/Value.
//
// To regenerate the enum types after modifications:
//
//	go generate ./app/enums
package enums

//go:generate go run github.com/go-pkgz/enum@latest -type jobStatus -lower
//go:generate go run github.com/go-pkgz/enum@latest -type sortDir -lower

// jobStatus represents the lifecycle state of a queued job.
// pending -> running -> {completed | failed | interrupted | cancelled}
type jobStatus int

const (
	jobStatusPending jobStatus = iota
	jobStatusRunning
	jobStatusCompleted
	jobStatusFailed
	jobStatusInterrupted
	jobStatusCancelled
)

// sortDir represents history sort direction
type sortDir int

const (
	sortDirDesc sortDir = iota
	sortDirAsc
)

// IsTerminal reports whether the status is final, i.e. the job will not run again
func (e JobStatus) IsTerminal() bool {
	switch e {
	case JobStatusCompleted, JobStatusFailed, JobStatusInterrupted, JobStatusCancelled:
		return true
	}
	return false
}
