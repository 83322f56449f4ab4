// Package adapt walks the modem profile one step at a time toward
// robustness after sustained delivery failures, or toward throughput after
// sustained high quality deliveries.
package adapt

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/clock"
	"github.com/lorawan-server/lora-linkctl/internal/radio"
)

// Defaults from the adaptive firmware
const (
	DefaultThreshold      = 3
	DefaultCooldown       = 10 * time.Second
	DefaultUpgradeMinSNR  = 10.0
	DefaultUpgradeMinRSSI = -80
	DefaultPowerTrimRSSI  = -70
	DefaultPowerFloorDbm  = 15
)

// Direction of a transition
type Direction int

const (
	None Direction = iota
	Degrade
	Upgrade
)

func (d Direction) String() string {
	switch d {
	case Degrade:
		return "degrade"
	case Upgrade:
		return "upgrade"
	}
	return "none"
}

// Step names the axis a transition moved
type Step string

const (
	StepNone            Step = ""
	StepSpreadingFactor Step = "spreading_factor"
	StepBandwidth       Step = "bandwidth"
	StepCodingRate      Step = "coding_rate"
	StepTxPower         Step = "tx_power"
	StepLongRange       Step = "long_range"
	StepHighDataRate    Step = "high_data_rate"
)

// Config tunes the controller
type Config struct {
	Threshold      int
	Cooldown       time.Duration
	UpgradeMinSNR  float64
	UpgradeMinRSSI int
	PowerTrimRSSI  int
	PowerFloorDbm  int
}

// DefaultConfig returns the firmware values
func DefaultConfig() Config {
	return Config{
		Threshold:      DefaultThreshold,
		Cooldown:       DefaultCooldown,
		UpgradeMinSNR:  DefaultUpgradeMinSNR,
		UpgradeMinRSSI: DefaultUpgradeMinRSSI,
		PowerTrimRSSI:  DefaultPowerTrimRSSI,
		PowerFloorDbm:  DefaultPowerFloorDbm,
	}
}

// Decision is the result of one evaluation
type Decision struct {
	Direction  Direction
	Step       Step
	From       radio.Profile
	To         radio.Profile
	Failures   int  // counter values that triggered the decision
	Successes  int
	Suppressed bool // a trigger held but the cooldown had not elapsed
}

// Changed reports whether a transition fired
func (d Decision) Changed() bool {
	return d.Direction != None
}

// Applier pushes a profile to the transceiver
type Applier interface {
	ApplyProfile(ctx context.Context, p radio.Profile) error
}

// ApplierFunc adapts a function to Applier
type ApplierFunc func(ctx context.Context, p radio.Profile) error

func (f ApplierFunc) ApplyProfile(ctx context.Context, p radio.Profile) error { return f(ctx, p) }

// Controller is the adaptive rate state machine
type Controller struct {
	cfg     Config
	clock   clock.Clock
	applier Applier
}

// NewController creates a controller; zero config fields take defaults
func NewController(cfg Config, clk clock.Clock, applier Applier) *Controller {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.PowerFloorDbm == 0 {
		cfg.PowerFloorDbm = def.PowerFloorDbm
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Controller{cfg: cfg, clock: clk, applier: applier}
}

// Config returns the effective configuration
func (c *Controller) Config() Config {
	return c.cfg
}

// Plan decides without side effects
func (c *Controller) Plan(st Stats, current radio.Profile, now time.Time) Decision {
	d := Decision{
		From:      current,
		To:        current,
		Failures:  st.ConsecutiveFailures,
		Successes: st.ConsecutiveSuccesses,
	}

	degrade := st.ConsecutiveFailures >= c.cfg.Threshold
	upgrade := st.ConsecutiveSuccesses >= c.cfg.Threshold &&
		st.LastSNR > c.cfg.UpgradeMinSNR &&
		st.LastRSSI > c.cfg.UpgradeMinRSSI

	if now.Sub(st.LastAdaptation) < c.cfg.Cooldown {
		d.Suppressed = degrade || upgrade
		return d
	}

	switch {
	case degrade:
		d.Direction = Degrade
		d.To, d.Step = StepDown(current)
	case upgrade:
		d.Direction = Upgrade
		d.To, d.Step = StepUp(current, st.LastRSSI, c.cfg.PowerTrimRSSI, c.cfg.PowerFloorDbm)
	}
	return d
}

// Evaluate runs after every reliable send outcome. A fired transition is
// applied to the transceiver, then both counters reset and the cooldown
// restarts. A failed apply leaves stats untouched.
func (c *Controller) Evaluate(ctx context.Context, st *Stats, current radio.Profile) (Decision, error) {
	now := c.clock.Now()
	d := c.Plan(*st, current, now)

	if d.Suppressed {
		log.Debug().
			Int("failures", d.Failures).
			Int("successes", d.Successes).
			Dur("since_last", now.Sub(st.LastAdaptation)).
			Msg("Adaptation suppressed by cooldown")
		return d, nil
	}
	if !d.Changed() {
		return d, nil
	}

	switch d.Direction {
	case Degrade:
		log.Info().Int("failures", d.Failures).Msg("Consecutive failures, adapting for range")
	case Upgrade:
		log.Info().
			Int("successes", d.Successes).
			Float64("snr", st.LastSNR).
			Int("rssi", st.LastRSSI).
			Msg("Consecutive good deliveries, adapting for data rate")
	}

	if c.applier != nil {
		if err := c.applier.ApplyProfile(ctx, d.To); err != nil {
			return d, fmt.Errorf("apply profile %s: %w", d.To, err)
		}
	}

	log.Info().
		Str("direction", d.Direction.String()).
		Str("step", string(d.Step)).
		Str("sf", fmt.Sprintf("%d -> %d", d.From.SpreadingFactor, d.To.SpreadingFactor)).
		Str("bw", fmt.Sprintf("%d -> %d Hz", d.From.BandwidthHz, d.To.BandwidthHz)).
		Str("cr", fmt.Sprintf("4/%d -> 4/%d", d.From.CodingRateDenom, d.To.CodingRateDenom)).
		Str("tx_power", fmt.Sprintf("%d -> %d dBm", d.From.TxPowerDbm, d.To.TxPowerDbm)).
		Msg("Applied new radio profile")

	st.MarkAdapted(now)
	st.Adaptations++
	return d, nil
}

// StepDown moves one step toward robustness: spreading factor, then
// bandwidth, coding rate and tx power. At saturation on every axis it
// snaps to LongRange.
func StepDown(p radio.Profile) (radio.Profile, Step) {
	switch {
	case p.SpreadingFactor < radio.MaxSpreadingFactor:
		p.SpreadingFactor++
		return p, StepSpreadingFactor
	case p.BandwidthHz > radio.Bandwidths[0]:
		if bw, ok := radio.NarrowerBandwidth(p.BandwidthHz); ok {
			p.BandwidthHz = bw
			return p, StepBandwidth
		}
	}

	switch {
	case p.CodingRateDenom < radio.MaxCodingRateDenom:
		p.CodingRateDenom++
		return p, StepCodingRate
	case p.TxPowerDbm < radio.MaxTxPowerDbm:
		p.TxPowerDbm++
		return p, StepTxPower
	}
	return radio.LongRange, StepLongRange
}

// StepUp moves one step toward throughput: spreading factor, then
// bandwidth and coding rate. Tx power is trimmed down to powerFloor only
// while rssi exceeds powerTrimRSSI; otherwise it snaps to HighDataRate.
func StepUp(p radio.Profile, rssi, powerTrimRSSI, powerFloor int) (radio.Profile, Step) {
	switch {
	case p.SpreadingFactor > radio.MinSpreadingFactor:
		p.SpreadingFactor--
		return p, StepSpreadingFactor
	case p.BandwidthHz < radio.Bandwidths[len(radio.Bandwidths)-1]:
		if bw, ok := radio.WiderBandwidth(p.BandwidthHz); ok {
			p.BandwidthHz = bw
			return p, StepBandwidth
		}
	}

	switch {
	case p.CodingRateDenom > radio.MinCodingRateDenom:
		p.CodingRateDenom--
		return p, StepCodingRate
	case p.TxPowerDbm > powerFloor && rssi > powerTrimRSSI:
		p.TxPowerDbm--
		return p, StepTxPower
	}
	return radio.HighDataRate, StepHighDataRate
}
