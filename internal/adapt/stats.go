package adapt

import "time"

// Stats is the link quality and delivery history the controller reacts to.
// It is owned by the link session and is not safe for concurrent use.
type Stats struct {
	LastRSSI             int       `json:"lastRssiDbm"`
	LastSNR              float64   `json:"lastSnrDb"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	LastAdaptation       time.Time `json:"lastAdaptation"`

	// lifetime totals, never reset by adaptation
	Acked       uint64 `json:"acked"`
	TimedOut    uint64 `json:"timedOut"`
	Adaptations uint64 `json:"adaptations"`
}

// RecordSuccess counts an acknowledged send
func (s *Stats) RecordSuccess() {
	s.ConsecutiveSuccesses++
	s.ConsecutiveFailures = 0
	s.Acked++
}

// RecordFailure counts an unacknowledged send
func (s *Stats) RecordFailure() {
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	s.TimedOut++
}

// ObserveQuality stores the signal quality of the last well-formed frame
func (s *Stats) ObserveQuality(rssi int, snr float64) {
	s.LastRSSI = rssi
	s.LastSNR = snr
}

// MarkAdapted resets both counters and stamps the cooldown reference
func (s *Stats) MarkAdapted(now time.Time) {
	s.ConsecutiveFailures = 0
	s.ConsecutiveSuccesses = 0
	s.LastAdaptation = now
}
