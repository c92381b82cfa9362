package cmdbus

import (
	"time"

	"github.com/google/uuid"
)

// Batch tracks the aggregate progress of a named collection of commands
// (or, for BatchTypeProcess, of processes) sharing a BatchID.
//
// Counters are not maintained on the command-finishing fast path; they
// are computed on demand by a BatchRepository's RefreshStats, the way
// sp_refresh_batch_stats does, to avoid hot-row lock contention on the
// batch row under heavy fan-out.
//
// Invariant: Completed + Canceled + Failed + InTroubleshooting <=
// TotalCount. The batch reaches a terminal Status exactly when that sum
// equals TotalCount.
type Batch struct {
	Domain            string
	BatchID           uuid.UUID
	Name              string
	Type              BatchType
	Status            BatchStatus
	TotalCount        int
	Completed         int
	Canceled          int
	Failed            int
	InTroubleshooting int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// IsComplete reports whether every command (or process) tracked by b has
// reached a terminal or troubleshooting state.
func (b Batch) IsComplete() bool {
	return b.Completed+b.Canceled+b.Failed+b.InTroubleshooting >= b.TotalCount
}

// OnCompleteFunc is an in-memory batch completion callback. Delivery is
// best-effort: callbacks live only in the process that registered them
// and are lost across restarts. Operators must poll batch status for an
// authoritative view of completion.
type OnCompleteFunc func(Batch)
