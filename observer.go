package cmdbus

import (
	"context"
)

// CommandObserver provides read-only access to commands stored for a
// domain, beyond the Troubleshooting Queue listing CommandRepository
// already exposes. It does not modify command state and does not
// participate in leasing or lifecycle transitions; it exists for
// diagnostic, monitoring and administrative use.
//
// Implementations return authoritative snapshots of storage state at the
// time of the call. Returned Command values are immutable views;
// mutating them does not affect the underlying store.
type CommandObserver interface {
	// List returns up to limit commands in a domain matching status. If
	// status is StatusUnknown (the zero value), implementations return
	// commands in any status. If limit is zero or negative,
	// implementations may return all matching rows, subject to
	// storage-specific constraints.
	//
	// List is intended for inspection and administrative tools and
	// should not be used as part of the normal dispatch path.
	List(ctx context.Context, domain string, status Status, limit int) ([]Command, error)
}
