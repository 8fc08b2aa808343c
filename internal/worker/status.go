package worker

import (
	"strings"
	"time"

	"facturx-relay/internal/models"
)

// DefaultPollMax caps the self-scheduled SYNC_STATUS delay.
const DefaultPollMax = 10 * time.Minute

// PendingStatuses are external PDP statuses that still need polling.
var PendingStatuses = []string{"SUBMITTED", "PENDING", "PROCESSING", "RECEIVED", "IN_PROGRESS"}

// IsPending reports whether an external status needs another poll.
func IsPending(external string) bool {
	external = normalizeExternal(external)
	for _, s := range PendingStatuses {
		if external == s {
			return true
		}
	}
	return false
}

// MapStatus folds an external PDP status into the invoice lifecycle.
// Unrecognised statuses become SYNCED.
func MapStatus(external string) models.InvoiceStatus {
	switch normalizeExternal(external) {
	case "ACCEPTED":
		return models.InvoiceAccepted
	case "REJECTED":
		return models.InvoiceRejected
	case "PAID":
		return models.InvoicePaid
	case "ERROR":
		return models.InvoiceError
	default:
		return models.InvoiceSynced
	}
}

// PollDelay is base·2^(n-1) for poll n, capped at max (DefaultPollMax when
// max is 0).
func PollDelay(n int, base, max time.Duration) time.Duration {
	if max <= 0 {
		max = DefaultPollMax
	}
	if n < 1 {
		n = 1
	}
	delay := base
	for i := 1; i < n; i++ {
		if delay >= max {
			return max
		}
		delay *= 2
	}
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func normalizeExternal(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
