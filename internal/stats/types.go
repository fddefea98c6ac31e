package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Outcome is the result of one outbound operation
type Outcome string

const (
	OutcomeSuccess         Outcome = "SUCCESS"
	OutcomeFailure         Outcome = "FAILURE"
	OutcomeSkip            Outcome = "SKIP"
	OutcomeDrop            Outcome = "DROP"
	OutcomeConflictPending Outcome = "CONFLICT_PENDING"
)

// TypeMetrics are the counters for one entity type
type TypeMetrics struct {
	EntityType    string
	CreateCount   int
	UpdateCount   int
	DeleteCount   int
	SuccessCount  int
	FailureCount  int
	SkipCount     int
	ConflictCount int
	TotalDuration time.Duration
}

// TotalOperations counts operations by kind
func (m TypeMetrics) TotalOperations() int {
	return m.CreateCount + m.UpdateCount + m.DeleteCount
}

func (m *TypeMetrics) add(operationType string, outcome Outcome, duration time.Duration) {
	switch strings.ToUpper(operationType) {
	case "CREATE":
		m.CreateCount++
	case "UPDATE":
		m.UpdateCount++
	case "DELETE":
		m.DeleteCount++
	}

	// drops are only tracked on the session totals
	switch outcome {
	case OutcomeSuccess:
		m.SuccessCount++
	case OutcomeFailure:
		m.FailureCount++
	case OutcomeSkip:
		m.SkipCount++
	case OutcomeConflictPending:
		m.ConflictCount++
	}
	m.TotalDuration += duration
}

// Metrics is a point-in-time copy of a session's counters
type Metrics struct {
	SessionID       string
	StartedAt       time.Time
	EndedAt         time.Time
	Duration        time.Duration
	TotalOperations int
	SuccessCount    int
	FailureCount    int
	SkipCount       int
	DropCount       int
	ConflictCount   int
	ByType          map[string]TypeMetrics
}

// FormatSummary renders the metrics as a tree for local logs
func FormatSummary(m Metrics) string {
	var b strings.Builder
	b.WriteString("Sync Session Summary\n")
	fmt.Fprintf(&b, "├─ Session ID: %s\n", m.SessionID)
	fmt.Fprintf(&b, "├─ Duration: %dms\n", m.Duration.Milliseconds())
	fmt.Fprintf(&b, "├─ Total: %d\n", m.TotalOperations)
	fmt.Fprintf(&b, "├─ Success: %d, Failed: %d, Skipped: %d", m.SuccessCount, m.FailureCount, m.SkipCount)
	if m.DropCount > 0 {
		fmt.Fprintf(&b, ", Dropped: %d", m.DropCount)
	}
	if m.ConflictCount > 0 {
		fmt.Fprintf(&b, ", Conflicts: %d", m.ConflictCount)
	}
	b.WriteString("\n")

	if len(m.ByType) == 0 {
		return b.String()
	}

	b.WriteString("└─ By Type:\n")
	types := make([]string, 0, len(m.ByType))
	for t := range m.ByType {
		types = append(types, t)
	}
	sort.Strings(types)

	for i, t := range types {
		tm := m.ByType[t]
		prefix := "   ├─"
		if i == len(types)-1 {
			prefix = "   └─"
		}
		fmt.Fprintf(&b, "%s %s: C=%d U=%d D=%d", prefix, t, tm.CreateCount, tm.UpdateCount, tm.DeleteCount)
		if tm.FailureCount > 0 || tm.ConflictCount > 0 {
			fmt.Fprintf(&b, " (F=%d", tm.FailureCount)
			if tm.ConflictCount > 0 {
				fmt.Fprintf(&b, ", Cf=%d", tm.ConflictCount)
			}
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	return b.String()
}
