package radio

import (
	"fmt"
	"strings"
)

// Modulation limits understood by the link layer
const (
	MinSpreadingFactor = 7
	MaxSpreadingFactor = 12

	MinCodingRateDenom = 5
	MaxCodingRateDenom = 8

	MinTxPowerDbm = 2
	MaxTxPowerDbm = 20
)

// Bandwidths ordered from most robust to highest throughput
var Bandwidths = []int{62500, 125000, 250000}

// Profile is the set of modem parameters the rate controller walks
type Profile struct {
	SpreadingFactor int `yaml:"spreading_factor" json:"spreadingFactor"`
	BandwidthHz     int `yaml:"bandwidth_hz" json:"bandwidthHz"`
	CodingRateDenom int `yaml:"coding_rate" json:"codingRateDenom"`
	TxPowerDbm      int `yaml:"tx_power_dbm" json:"txPowerDbm"`
}

// Named profiles
var (
	LongRange    = Profile{SpreadingFactor: 12, BandwidthHz: 62500, CodingRateDenom: 8, TxPowerDbm: 20}
	Balanced     = Profile{SpreadingFactor: 9, BandwidthHz: 125000, CodingRateDenom: 6, TxPowerDbm: 17}
	HighDataRate = Profile{SpreadingFactor: 7, BandwidthHz: 250000, CodingRateDenom: 5, TxPowerDbm: 15}
)

// ProfileByName resolves long_range, balanced or high_data_rate
func ProfileByName(name string) (Profile, bool) {
	switch strings.ToLower(strings.ReplaceAll(name, "-", "_")) {
	case "long_range":
		return LongRange, true
	case "balanced":
		return Balanced, true
	case "high_data_rate", "high_data":
		return HighDataRate, true
	}
	return Profile{}, false
}

// Validate checks every axis against the supported ranges
func (p Profile) Validate() error {
	if p.SpreadingFactor < MinSpreadingFactor || p.SpreadingFactor > MaxSpreadingFactor {
		return fmt.Errorf("spreading factor %d out of range %d-%d", p.SpreadingFactor, MinSpreadingFactor, MaxSpreadingFactor)
	}
	if bandwidthIndex(p.BandwidthHz) < 0 {
		return fmt.Errorf("unsupported bandwidth %d Hz", p.BandwidthHz)
	}
	if p.CodingRateDenom < MinCodingRateDenom || p.CodingRateDenom > MaxCodingRateDenom {
		return fmt.Errorf("coding rate 4/%d out of range 4/%d-4/%d", p.CodingRateDenom, MinCodingRateDenom, MaxCodingRateDenom)
	}
	if p.TxPowerDbm < MinTxPowerDbm || p.TxPowerDbm > MaxTxPowerDbm {
		return fmt.Errorf("tx power %d dBm out of range %d-%d", p.TxPowerDbm, MinTxPowerDbm, MaxTxPowerDbm)
	}
	return nil
}

// String returns e.g. SF9/BW125/CR4-6/17dBm
func (p Profile) String() string {
	return fmt.Sprintf("SF%d/BW%s/CR4-%d/%ddBm", p.SpreadingFactor, bandwidthLabel(p.BandwidthHz), p.CodingRateDenom, p.TxPowerDbm)
}

// DataRate returns the Semtech packet forwarder datr string, e.g. SF9BW125
func (p Profile) DataRate() string {
	return fmt.Sprintf("SF%dBW%s", p.SpreadingFactor, bandwidthLabel(p.BandwidthHz))
}

// CodingRate returns the codr string, e.g. 4/6
func (p Profile) CodingRate() string {
	return fmt.Sprintf("4/%d", p.CodingRateDenom)
}

// ParseDataRate is the inverse of DataRate
func ParseDataRate(datr string) (sf int, bandwidthHz int, err error) {
	var bw string
	if _, err := fmt.Sscanf(strings.ToUpper(datr), "SF%dBW%s", &sf, &bw); err != nil {
		return 0, 0, fmt.Errorf("invalid datr %q: %w", datr, err)
	}
	switch bw {
	case "62.5", "62":
		bandwidthHz = 62500
	case "125":
		bandwidthHz = 125000
	case "250":
		bandwidthHz = 250000
	case "500":
		bandwidthHz = 500000
	default:
		return 0, 0, fmt.Errorf("invalid datr bandwidth %q", bw)
	}
	return sf, bandwidthHz, nil
}

// NarrowerBandwidth returns the next bandwidth toward robustness
func NarrowerBandwidth(bw int) (int, bool) {
	i := bandwidthIndex(bw)
	if i <= 0 {
		return bw, false
	}
	return Bandwidths[i-1], true
}

// WiderBandwidth returns the next bandwidth toward throughput
func WiderBandwidth(bw int) (int, bool) {
	i := bandwidthIndex(bw)
	if i < 0 || i == len(Bandwidths)-1 {
		return bw, false
	}
	return Bandwidths[i+1], true
}

func bandwidthIndex(bw int) int {
	for i, b := range Bandwidths {
		if b == bw {
			return i
		}
	}
	return -1
}

func bandwidthLabel(bw int) string {
	if bw%1000 == 0 {
		return fmt.Sprintf("%d", bw/1000)
	}
	return fmt.Sprintf("%.1f", float64(bw)/1000)
}
