package domain

import (
	"fmt"
	"strings"
)

// InsufficientStockError reports every SKU a reservation fell short on, so a
// storefront can adjust the whole cart in one round trip.
type InsufficientStockError struct {
	Unavailable []UnavailableProduct
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Unavailable))
	for _, u := range e.Unavailable {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", u.ProductSKUID, u.Requested, u.Available))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

// InvalidStateTransitionError indicates a double-submit or a missed expiry
// check. It is logged and surfaced as a generic failure, never swallowed.
type InvalidStateTransitionError struct {
	SessionID string
	Current   string
	Attempted string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition from %q to %q", e.SessionID, e.Current, e.Attempted)
}

// BatchTooLargeError rejects conflict-guard queries above the batch cap
// instead of silently truncating them.
type BatchTooLargeError struct {
	Size int
	Cap  int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch of %d SKUs exceeds the cap of %d per call", e.Size, e.Cap)
}
