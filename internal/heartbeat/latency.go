package heartbeat

import "time"

// Band is an observability-only latency classification.
type Band int

const (
	BandBest Band = iota
	BandGood
	BandFair
	BandPoor
)

func (b Band) String() string {
	switch b {
	case BandBest:
		return "best"
	case BandGood:
		return "good"
	case BandFair:
		return "fair"
	default:
		return "poor"
	}
}

func Classify(latency time.Duration) Band {
	switch {
	case latency <= 250*time.Millisecond:
		return BandBest
	case latency <= 300*time.Millisecond:
		return BandGood
	case latency <= 800*time.Millisecond:
		return BandFair
	default:
		return BandPoor
	}
}
