package session

import (
	"sync"
	"time"
)

// Tier classifies transport quality from inbound packet loss.
type Tier string

const (
	TierExcellent Tier = "excellent"
	TierGood      Tier = "good"
	TierFair      Tier = "fair"
	TierPoor      Tier = "poor"
)

// Classify maps a cumulative inbound packet count to a quality tier.
func Classify(received, lost uint64) Tier {
	total := received + lost
	if total == 0 {
		return TierExcellent
	}
	ratio := float64(lost) / float64(total)
	switch {
	case ratio < 0.01:
		return TierExcellent
	case ratio < 0.05:
		return TierGood
	case ratio < 0.10:
		return TierFair
	default:
		return TierPoor
	}
}

// StatsSource supplies inbound packet counts for the primary video stream.
type StatsSource interface {
	InboundVideoStats() (received, lost uint64, ok bool)
}

// Monitor samples a StatsSource on a fixed interval and reports the tier.
// Output is informational only; no adaptation is driven from it.
type Monitor struct {
	src      StatsSource
	interval time.Duration
	onTier   func(Tier)

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMonitor(src StatsSource, interval time.Duration, onTier func(Tier)) *Monitor {
	return &Monitor{
		src:      src,
		interval: interval,
		onTier:   onTier,
		stop:     make(chan struct{}),
	}
}

// Run samples until Stop is called. Runs in its own goroutine.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			received, lost, ok := m.src.InboundVideoStats()
			if !ok {
				continue
			}
			m.onTier(Classify(received, lost))
		}
	}
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
