package adapt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lorawan-server/lora-linkctl/internal/clock"
	"github.com/lorawan-server/lora-linkctl/internal/radio"
)

type recordingApplier struct {
	applied []radio.Profile
	err     error
}

func (a *recordingApplier) ApplyProfile(ctx context.Context, p radio.Profile) error {
	if a.err != nil {
		return a.err
	}
	a.applied = append(a.applied, p)
	return nil
}

func newTestController(t *testing.T) (*Controller, *recordingApplier, *clock.Virtual) {
	t.Helper()
	clk := clock.NewVirtual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	a := &recordingApplier{}
	return NewController(DefaultConfig(), clk, a), a, clk
}

func TestDegradeAfterThreeTimeouts(t *testing.T) {
	c, a, clk := newTestController(t)
	st := &Stats{LastAdaptation: clk.Now().Add(-time.Minute)}

	current := radio.Balanced
	for i := 0; i < 2; i++ {
		st.RecordFailure()
		d, err := c.Evaluate(context.Background(), st, current)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d.Changed() {
			t.Fatalf("transition after %d failures", i+1)
		}
	}

	st.RecordFailure()
	d, err := c.Evaluate(context.Background(), st, current)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Direction != Degrade || d.Step != StepSpreadingFactor {
		t.Fatalf("decision = %+v, want spreading factor degrade", d)
	}
	if d.To.SpreadingFactor != 10 || d.To.BandwidthHz != 125000 {
		t.Errorf("degraded profile = %s", d.To)
	}
	if len(a.applied) != 1 || a.applied[0] != d.To {
		t.Errorf("applied = %v", a.applied)
	}
	if st.ConsecutiveFailures != 0 || st.ConsecutiveSuccesses != 0 {
		t.Errorf("counters not reset: %+v", st)
	}
	if !st.LastAdaptation.Equal(clk.Now()) {
		t.Errorf("LastAdaptation = %v, want %v", st.LastAdaptation, clk.Now())
	}
	if st.Adaptations != 1 {
		t.Errorf("Adaptations = %d", st.Adaptations)
	}
}

func TestStepDownOrder(t *testing.T) {
	tests := []struct {
		name string
		in   radio.Profile
		want radio.Profile
		step Step
	}{
		{"sf", radio.Profile{SpreadingFactor: 9, BandwidthHz: 125000, CodingRateDenom: 6, TxPowerDbm: 17},
			radio.Profile{SpreadingFactor: 10, BandwidthHz: 125000, CodingRateDenom: 6, TxPowerDbm: 17}, StepSpreadingFactor},
		{"bandwidth", radio.Profile{SpreadingFactor: 12, BandwidthHz: 250000, CodingRateDenom: 6, TxPowerDbm: 17},
			radio.Profile{SpreadingFactor: 12, BandwidthHz: 125000, CodingRateDenom: 6, TxPowerDbm: 17}, StepBandwidth},
		{"coding rate", radio.Profile{SpreadingFactor: 12, BandwidthHz: 62500, CodingRateDenom: 6, TxPowerDbm: 17},
			radio.Profile{SpreadingFactor: 12, BandwidthHz: 62500, CodingRateDenom: 7, TxPowerDbm: 17}, StepCodingRate},
		{"power", radio.Profile{SpreadingFactor: 12, BandwidthHz: 62500, CodingRateDenom: 8, TxPowerDbm: 17},
			radio.Profile{SpreadingFactor: 12, BandwidthHz: 62500, CodingRateDenom: 8, TxPowerDbm: 18}, StepTxPower},
		{"saturated", radio.LongRange, radio.LongRange, StepLongRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, step := StepDown(tt.in)
			if got != tt.want || step != tt.step {
				t.Errorf("StepDown(%s) = %s %s, want %s %s", tt.in, got, step, tt.want, tt.step)
			}
		})
	}
}

func TestStepUpOrder(t *testing.T) {
	tests := []struct {
		name string
		in   radio.Profile
		rssi int
		want radio.Profile
		step Step
	}{
		{"sf", radio.Balanced, -60,
			radio.Profile{SpreadingFactor: 8, BandwidthHz: 125000, CodingRateDenom: 6, TxPowerDbm: 17}, StepSpreadingFactor},
		{"bandwidth", radio.Profile{SpreadingFactor: 7, BandwidthHz: 62500, CodingRateDenom: 8, TxPowerDbm: 20}, -60,
			radio.Profile{SpreadingFactor: 7, BandwidthHz: 125000, CodingRateDenom: 8, TxPowerDbm: 20}, StepBandwidth},
		{"coding rate", radio.Profile{SpreadingFactor: 7, BandwidthHz: 250000, CodingRateDenom: 8, TxPowerDbm: 20}, -60,
			radio.Profile{SpreadingFactor: 7, BandwidthHz: 250000, CodingRateDenom: 7, TxPowerDbm: 20}, StepCodingRate},
		{"power trim", radio.Profile{SpreadingFactor: 7, BandwidthHz: 250000, CodingRateDenom: 5, TxPowerDbm: 20}, -60,
			radio.Profile{SpreadingFactor: 7, BandwidthHz: 250000, CodingRateDenom: 5, TxPowerDbm: 19}, StepTxPower},
		{"weak signal keeps power", radio.Profile{SpreadingFactor: 7, BandwidthHz: 250000, CodingRateDenom: 5, TxPowerDbm: 20}, -75,
			radio.HighDataRate, StepHighDataRate},
		{"power floor", radio.HighDataRate, -40, radio.HighDataRate, StepHighDataRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, step := StepUp(tt.in, tt.rssi, DefaultPowerTrimRSSI, DefaultPowerFloorDbm)
			if got != tt.want || step != tt.step {
				t.Errorf("StepUp(%s) = %s %s, want %s %s", tt.in, got, step, tt.want, tt.step)
			}
		})
	}
}

func TestUpgradeRequiresQuality(t *testing.T) {
	c, a, clk := newTestController(t)
	past := clk.Now().Add(-time.Minute)

	cases := []struct {
		name string
		rssi int
		snr  float64
		fire bool
	}{
		{"good", -60, 12, true},
		{"snr at threshold", -60, 10, false},
		{"rssi at threshold", -80, 12, false},
		{"weak", -95, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &Stats{LastAdaptation: past}
			st.ObserveQuality(tc.rssi, tc.snr)
			for i := 0; i < DefaultThreshold; i++ {
				st.RecordSuccess()
			}
			d, err := c.Evaluate(context.Background(), st, radio.Balanced)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Changed() != tc.fire {
				t.Fatalf("changed = %v, want %v", d.Changed(), tc.fire)
			}
			if tc.fire && (d.Direction != Upgrade || d.To.SpreadingFactor != 8) {
				t.Errorf("decision = %+v", d)
			}
			if !tc.fire && st.ConsecutiveSuccesses != DefaultThreshold {
				t.Errorf("successes reset without a transition")
			}
		})
	}
	if len(a.applied) != 1 {
		t.Errorf("applied %d profiles, want 1", len(a.applied))
	}
}

func TestCooldownSuppressesWithoutReset(t *testing.T) {
	c, a, clk := newTestController(t)
	st := &Stats{}
	st.MarkAdapted(clk.Now())

	clk.Advance(5 * time.Second)
	for i := 0; i < 4; i++ {
		st.RecordFailure()
	}
	d, err := c.Evaluate(context.Background(), st, radio.Balanced)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Changed() || !d.Suppressed {
		t.Fatalf("decision inside cooldown = %+v", d)
	}
	if st.ConsecutiveFailures != 4 {
		t.Errorf("failures = %d, suppressed trigger must keep counters", st.ConsecutiveFailures)
	}
	if len(a.applied) != 0 {
		t.Errorf("applied during cooldown")
	}

	clk.Advance(5 * time.Second)
	d, err = c.Evaluate(context.Background(), st, radio.Balanced)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Direction != Degrade {
		t.Fatalf("decision after cooldown = %+v", d)
	}
}

func TestDegradeTakesPriority(t *testing.T) {
	c, _, clk := newTestController(t)
	st := Stats{
		LastRSSI:             -50,
		LastSNR:              15,
		ConsecutiveFailures:  3,
		ConsecutiveSuccesses: 3,
		LastAdaptation:       clk.Now().Add(-time.Hour),
	}
	d := c.Plan(st, radio.Balanced, clk.Now())
	if d.Direction != Degrade {
		t.Fatalf("direction = %v, want degrade", d.Direction)
	}
}

func TestApplyFailureLeavesStats(t *testing.T) {
	clk := clock.NewVirtual(time.Unix(10000, 0))
	boom := errors.New("spi write failed")
	c := NewController(DefaultConfig(), clk, &recordingApplier{err: boom})

	st := &Stats{ConsecutiveFailures: 3}
	if _, err := c.Evaluate(context.Background(), st, radio.Balanced); !errors.Is(err, boom) {
		t.Fatalf("expected apply error, got %v", err)
	}
	if st.ConsecutiveFailures != 3 || st.Adaptations != 0 || !st.LastAdaptation.IsZero() {
		t.Errorf("stats changed on failed apply: %+v", st)
	}
}

func TestOneStepPerEvaluation(t *testing.T) {
	c, a, clk := newTestController(t)
	st := &Stats{LastAdaptation: clk.Now().Add(-time.Minute)}
	current := radio.Balanced

	for round := 0; round < 3; round++ {
		for i := 0; i < DefaultThreshold; i++ {
			st.RecordFailure()
		}
		d, err := c.Evaluate(context.Background(), st, current)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !d.Changed() {
			t.Fatalf("round %d: no transition", round)
		}
		if d.To.SpreadingFactor != current.SpreadingFactor+1 {
			t.Fatalf("round %d: moved %s -> %s", round, current, d.To)
		}
		current = d.To
		clk.Advance(DefaultCooldown)
	}
	if len(a.applied) != 3 || st.Adaptations != 3 {
		t.Errorf("applied = %d adaptations = %d", len(a.applied), st.Adaptations)
	}
}
