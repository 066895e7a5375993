package common

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// QuotaTracker mirrors the venue's own view of how much request quota is
// left, fed from the X-Bapi-Limit headers on every response. It complements
// the client-side limiter: the limiter paces requests, the tracker warns
// when the venue disagrees.
type QuotaTracker struct {
	log *zap.Logger

	mu        sync.RWMutex
	remaining int
	limit     int
}

func NewQuotaTracker(log *zap.Logger) *QuotaTracker {
	return &QuotaTracker{log: log}
}

// UpdateFromHeaders records the latest quota snapshot. Empty headers are
// ignored; public endpoints do not carry them.
func (qt *QuotaTracker) UpdateFromHeaders(remainingHeader, limitHeader string) {
	if remainingHeader == "" || limitHeader == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingHeader)
	if err != nil {
		return
	}
	limit, err := strconv.Atoi(limitHeader)
	if err != nil || limit <= 0 {
		return
	}

	qt.mu.Lock()
	qt.remaining = remaining
	qt.limit = limit
	qt.mu.Unlock()

	frac := float64(remaining) / float64(limit)
	if frac <= 0.05 {
		qt.log.Error("quota: nearly exhausted",
			zap.Int("remaining", remaining), zap.Int("limit", limit))
	} else if frac <= 0.2 {
		qt.log.Warn("quota: running low",
			zap.Int("remaining", remaining), zap.Int("limit", limit))
	}
}

// Usage returns the last reported remaining quota and limit.
func (qt *QuotaTracker) Usage() (remaining, limit int) {
	qt.mu.RLock()
	defer qt.mu.RUnlock()
	return qt.remaining, qt.limit
}
