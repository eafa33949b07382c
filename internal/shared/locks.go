package shared

import "fmt"

// PeriodLockKey builds the redis key guarding lifecycle operations on one
// accounting period.
func PeriodLockKey(periodID int64) string {
	return fmt.Sprintf("treasury:period:%d:lock", periodID)
}

// ReportLockKey builds the redis key guarding frozen report sealing for a period.
func ReportLockKey(periodID int64) string {
	return fmt.Sprintf("treasury:period:%d:seal", periodID)
}
