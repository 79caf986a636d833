package clock

import "time"

// Clock abstracts time for schedulers and services so tests can run on a fake.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
