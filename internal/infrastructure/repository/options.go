package repository

import "time"

type Option func(*options)

type options struct {
	now func() time.Time
}

func defaultOptions() options {
	return options{now: time.Now}
}

// WithClock replaces the wall clock used for createdAt, message timestamps
// and every expiry check.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// newestFirst orders rooms by createdAt descending, then id descending so
// both backends agree on ties.
func newestFirst(aCreated int64, aID string, bCreated int64, bID string) int {
	switch {
	case aCreated > bCreated:
		return -1
	case aCreated < bCreated:
		return 1
	case aID > bID:
		return -1
	case aID < bID:
		return 1
	}
	return 0
}
