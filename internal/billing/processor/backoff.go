package processor

import "time"

// NextRetryDelay returns the wait before retry attempt n (1-based): doubling
// days, so attempts land at +2d, +4d, +8d, ...
func NextRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	days := int64(1) << uint(attempt)
	return time.Duration(days) * 24 * time.Hour
}
