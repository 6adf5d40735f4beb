package chatclient

import (
	"sync"
	"time"
)

// Quality buckets the measured heartbeat round-trip into UI-facing tiers.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"

	qualityFairThreshold = 150 * time.Millisecond
	qualityPoorThreshold = 400 * time.Millisecond
)

// QualityFor maps a round-trip time onto its tier. Tiers are monotonic: a
// larger RTT never maps to a better tier.
func QualityFor(rtt time.Duration) Quality {
	switch {
	case rtt < qualityFairThreshold:
		return QualityGood
	case rtt < qualityPoorThreshold:
		return QualityFair
	default:
		return QualityPoor
	}
}

// qualityMeter smooths raw RTT samples with an exponential moving average so a
// single slow heartbeat does not flap the indicator.
type qualityMeter struct {
	mu   sync.Mutex
	ewma time.Duration
}

const qualityEWMAWeight = 0.3

// Observe folds a sample into the average and returns the resulting tier.
func (q *qualityMeter) Observe(rtt time.Duration) Quality {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ewma == 0 {
		q.ewma = rtt
	} else {
		q.ewma = time.Duration(float64(q.ewma)*(1-qualityEWMAWeight) + float64(rtt)*qualityEWMAWeight)
	}
	return QualityFor(q.ewma)
}

// RTT returns the smoothed round-trip time.
func (q *qualityMeter) RTT() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ewma
}
