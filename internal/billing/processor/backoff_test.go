package processor

import (
	"testing"
	"time"
)

func TestNextRetryDelay_Doubles(t *testing.T) {
	day := 24 * time.Hour
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * day},
		{2, 4 * day},
		{3, 8 * day},
		{4, 16 * day},
	}
	for _, tc := range cases {
		if got := NextRetryDelay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: got %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestNextRetryDelay_ClampsBelowOne(t *testing.T) {
	if got := NextRetryDelay(0); got != 2*24*time.Hour {
		t.Fatalf("attempt 0: got %v", got)
	}
	if got := NextRetryDelay(-3); got != 2*24*time.Hour {
		t.Fatalf("negative attempt: got %v", got)
	}
}
