package connection

import (
	"sync"
	"time"
)

const (
	latencyWindow = 20
	outcomeWindow = 50
)

// Latency thresholds for the quality buckets.
const (
	ExcellentLatency = 150 * time.Millisecond
	GoodLatency      = 400 * time.Millisecond
	FairLatency      = time.Second
)

// qualityMonitor keeps rolling samples of request latency, request outcomes
// and connection drops.
type qualityMonitor struct {
	mu sync.Mutex

	latencies [latencyWindow]time.Duration
	latN      int
	latNext   int

	outcomes [outcomeWindow]bool
	outN     int
	outNext  int

	// drops counts reconnects since the last interval with no drop.
	drops       int
	droppedTick bool
}

func (q *qualityMonitor) recordLatency(d time.Duration) {
	q.mu.Lock()
	q.latencies[q.latNext] = d
	q.latNext = (q.latNext + 1) % latencyWindow
	if q.latN < latencyWindow {
		q.latN++
	}
	q.mu.Unlock()
}

func (q *qualityMonitor) recordOutcome(failed bool) {
	q.mu.Lock()
	q.outcomes[q.outNext] = failed
	q.outNext = (q.outNext + 1) % outcomeWindow
	if q.outN < outcomeWindow {
		q.outN++
	}
	q.mu.Unlock()
}

func (q *qualityMonitor) recordDrop() {
	q.mu.Lock()
	q.drops++
	q.droppedTick = true
	q.mu.Unlock()
}

// tick evaluates quality and then forgets drops if none happened during the
// interval that just ended.
func (q *qualityMonitor) tick(state State) Quality {
	quality := q.evaluate(state)

	q.mu.Lock()
	if state == Connected && !q.droppedTick {
		q.drops = 0
	}
	q.droppedTick = false
	q.mu.Unlock()

	return quality
}

func (q *qualityMonitor) evaluate(state State) Quality {
	switch state {
	case Connected:
	case Connecting:
		return QualityUnknown
	default:
		return QualityOffline
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.latN == 0 && q.outN == 0 && q.drops == 0 {
		return QualityUnknown
	}

	quality := QualityGood
	if q.latN > 0 {
		var sum time.Duration
		for i := 0; i < q.latN; i++ {
			sum += q.latencies[i]
		}
		avg := sum / time.Duration(q.latN)
		switch {
		case avg < ExcellentLatency:
			quality = QualityExcellent
		case avg < GoodLatency:
			quality = QualityGood
		case avg < FairLatency:
			quality = QualityFair
		default:
			quality = QualityPoor
		}
	}

	if q.outN > 0 {
		failed := 0
		for i := 0; i < q.outN; i++ {
			if q.outcomes[i] {
				failed++
			}
		}
		rate := float64(failed) / float64(q.outN)
		switch {
		case rate > 0.25:
			quality = QualityPoor
		case rate > 0.05:
			quality = degrade(quality)
		}
	}

	switch {
	case q.drops >= 3:
		quality = QualityPoor
	case q.drops > 0:
		quality = degrade(quality)
	}
	return quality
}

func degrade(q Quality) Quality {
	if q < QualityPoor {
		return q + 1
	}
	return QualityPoor
}
