package cmdbus

import (
	"context"
	"errors"
	"time"
)

// ErrBadStatus indicates that a non-terminal status was supplied to
// PayloadCleaner.Clean. Archived payloads may only be pruned for
// commands that have reached a terminal status; pruning a command still
// eligible for operator-retry would make that retry unrecoverable.
var ErrBadStatus = errors.New("cmdbus: bad status for payload cleanup")

// PayloadCleaner permanently removes archived payload bodies
// (payload_archive rows) for commands that have left the
// Troubleshooting Queue through a terminal transition. It is the one
// piece of retention management the core exposes; the audit log itself
// is never garbage-collected by the core (see Command and AuditEntry).
//
// PayloadCleaner does not participate in normal command processing and
// must not modify non-terminal commands.
type PayloadCleaner interface {
	// Clean deletes archived payloads for commands in the given domain
	// matching status and, if before is non-nil, whose UpdatedAt is at
	// or before *before. Clean returns the number of deleted rows.
	//
	// Clean must reject non-terminal statuses with ErrBadStatus. If
	// status is StatusUnknown (the zero value), implementations prune
	// payloads for every terminal status.
	Clean(ctx context.Context, domain string, status Status, before *time.Time) (int64, error)
}
