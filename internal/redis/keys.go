package redisx

import "fmt"

const ns = "rentgo:v1"

func KeyMachineSummary(machineID int64) string {
	return fmt.Sprintf("%s:machine:%d:summary", ns, machineID)
}

func KeyMachineList() string {
	return ns + ":machines:list"
}

func KeyMachineAvailability(machineID int64) string {
	return fmt.Sprintf("%s:machine:%d:availability", ns, machineID)
}

// KeyRateLimitPrefix is the limiter's key prefix for a scope; the
// limiter appends the per-client suffix itself.
func KeyRateLimitPrefix(scope string) string {
	return fmt.Sprintf("%s:rl:%s", ns, scope)
}

func KeyIdemHold(machineID int64, idemKey string) string {
	return fmt.Sprintf("%s:idem:holds:%d:%s", ns, machineID, idemKey)
}

func ChannelBookingsChanged() string {
	return ns + ":bookings:changed"
}

func ChannelJobsKick() string {
	return ns + ":jobs:kick"
}
