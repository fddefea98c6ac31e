package scheduler

import (
	"errors"
	"fmt"

	"github.com/livinlefevreloca/fieldsync/internal/reconcile"
)

// ErrUnknownJob is returned for a job whose kind has no handler
var ErrUnknownJob = errors.New("scheduler: unknown job kind")

// Kind distinguishes the job variants
type Kind int

const (
	KindEnsureContext Kind = iota
	KindProcessPending
	KindPullAll
	KindPullDeleted
	KindPullEntityGraph
)

func (k Kind) String() string {
	switch k {
	case KindEnsureContext:
		return "EnsureContext"
	case KindProcessPending:
		return "ProcessPendingOperations"
	case KindPullAll:
		return "PullAll"
	case KindPullDeleted:
		return "PullDeletedRecords"
	case KindPullEntityGraph:
		return "PullEntityGraph"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Priorities of the fixed jobs. Lower runs first.
const (
	PriorityForeground = 0
	PriorityCreated    = 1
)

// Job is one unit of sync work. Only the fields of its Kind are set.
type Job struct {
	Kind     Kind
	Priority int

	// PullAll
	Force bool

	// PullEntityGraph
	ProjectID int64
	Mode      reconcile.Mode
}

// Key is the dedup key. All graph pulls of one project share a key.
func (j Job) Key() string {
	switch j.Kind {
	case KindEnsureContext:
		return "ensure_context"
	case KindProcessPending:
		return "process_pending"
	case KindPullAll:
		return "pull_all"
	case KindPullDeleted:
		return "pull_deleted"
	case KindPullEntityGraph:
		return fmt.Sprintf("project_%d", j.ProjectID)
	default:
		return fmt.Sprintf("unknown_%d", int(j.Kind))
	}
}

// needsNetwork reports whether the job is skipped while offline
func (j Job) needsNetwork() bool {
	return j.Kind == KindPullAll || j.Kind == KindPullDeleted || j.Kind == KindPullEntityGraph
}

func EnsureContextJob() Job {
	return Job{Kind: KindEnsureContext, Priority: 0}
}

func ProcessPendingJob() Job {
	return Job{Kind: KindProcessPending, Priority: 0}
}

// PullAllJob refreshes the project listings. A forced refresh outranks
// a routine one.
func PullAllJob(force bool) Job {
	prio := 1
	if force {
		prio = 0
	}
	return Job{Kind: KindPullAll, Priority: prio, Force: force}
}

func PullDeletedJob() Job {
	return Job{Kind: KindPullDeleted, Priority: 1}
}

func EntityGraphJob(projectID int64, mode reconcile.Mode, priority int) Job {
	return Job{Kind: KindPullEntityGraph, Priority: priority, ProjectID: projectID, Mode: mode}
}
