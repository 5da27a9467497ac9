package model

import "time"

// Skip reasons written to the skip registry.
const (
	ReasonManualTrigger = "manual-trigger"
	ReasonTimeout       = "timeout"
	reasonErrorPrefix   = "error:"
)

// ErrorReason formats the skip reason for a batch that failed with the given
// error kind.
func ErrorReason(kind string) string {
	return reasonErrorPrefix + kind
}

// Progress is the snapshot written after every batch.
type Progress struct {
	Timestamp time.Time `json:"timestamp"`
	Done      []string  `json:"done"`
	DoneCount int       `json:"done_count"`
	Total     int       `json:"total"`
}

// SkipEntry records one batch that was not processed.
type SkipEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Codes     []string  `json:"codes"`
	RunID     string    `json:"run_id,omitempty"`
}

// SkipRegistry is the append-only list of skipped batches.
type SkipRegistry struct {
	Batches []SkipEntry `json:"batches"`
}

// Codes returns every skipped code, in registry order, without duplicates.
func (r *SkipRegistry) Codes() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range r.Batches {
		for _, c := range b.Codes {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// CountByReason tallies skipped batches by reason.
func (r *SkipRegistry) CountByReason() map[string]int {
	counts := make(map[string]int, len(r.Batches))
	for _, b := range r.Batches {
		counts[b.Reason]++
	}
	return counts
}
