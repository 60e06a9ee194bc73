package dsa

import (
	"context"
	"sync/atomic"
)

type retryCtxKey struct{}

// RetryCounters attributes transport retries to one logical operation.
type RetryCounters struct {
	Total     atomic.Int64
	Status429 atomic.Int64
	Status5xx atomic.Int64
	Net       atomic.Int64
}

// RetryStats is a plain copy of RetryCounters.
type RetryStats struct {
	Total, Status429, Status5xx, Net int64
}

// WithRetryCounters attaches rc to ctx so the transport records retries made
// on behalf of requests issued with the returned context.
func WithRetryCounters(ctx context.Context, rc *RetryCounters) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, retryCtxKey{}, rc)
}

func retryCountersFrom(ctx context.Context) *RetryCounters {
	if ctx == nil {
		return nil
	}
	rc, _ := ctx.Value(retryCtxKey{}).(*RetryCounters)
	return rc
}

func (rc *RetryCounters) addNet() {
	if rc == nil {
		return
	}
	rc.Total.Add(1)
	rc.Net.Add(1)
}

func (rc *RetryCounters) addStatus(code int) {
	if rc == nil {
		return
	}
	rc.Total.Add(1)
	switch {
	case code == 429:
		rc.Status429.Add(1)
	case code >= 500:
		rc.Status5xx.Add(1)
	}
}

// Stats returns a snapshot; a nil receiver yields zeros.
func (rc *RetryCounters) Stats() RetryStats {
	if rc == nil {
		return RetryStats{}
	}
	return RetryStats{
		Total:     rc.Total.Load(),
		Status429: rc.Status429.Load(),
		Status5xx: rc.Status5xx.Load(),
		Net:       rc.Net.Load(),
	}
}
