package backoff

import "time"

// Schedule defines the delay before successive dependency install retries.
var Schedule = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

// Delay returns the backoff duration for the given attempt.
// Attempts beyond the length of the schedule default to 30 seconds.
func Delay(attempt int) time.Duration {
	if attempt < len(Schedule) {
		return Schedule[attempt]
	}
	return 30 * time.Second
}
