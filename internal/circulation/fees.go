package circulation

import "time"

// ComputeLateFee returns the late fee in minor currency units for a loan
// returned after its due time. Any partial day past due counts as a full
// day: a return 30 minutes late is one day late. Pure function, no clock.
func ComputeLateFee(dueAt, returnedAt time.Time, dailyCents int64, enabled bool) int64 {
	if !enabled || !returnedAt.After(dueAt) {
		return 0
	}
	late := returnedAt.Sub(dueAt)
	days := int64(late / (24 * time.Hour))
	if late%(24*time.Hour) != 0 {
		days++
	}
	return days * dailyCents
}
