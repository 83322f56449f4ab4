// Package sim is an in-process LoRa medium. Stations attached to one Air
// hear each other through a simple link budget: received quality follows tx
// power and bandwidth, frames below the demodulation floor of their
// spreading factor are lost, and overlapping transmissions collide.
package sim

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lora-linkctl/internal/radio"
)

// minDelay bounds scaled airtime from below so a completion is never
// delivered inside the Transmit call
const minDelay = time.Millisecond

// demodulation floor in dB SNR per spreading factor (SX1276 datasheet)
var snrFloor = map[int]float64{
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}

// Model is the link budget between every pair of stations
type Model struct {
	RSSIDbm           int     `yaml:"rssi_dbm"`            // at reference power and 125 kHz
	SNRDb             float64 `yaml:"snr_db"`              // at reference power and 125 kHz
	ReferencePowerDbm int     `yaml:"reference_power_dbm"` // power the figures above are quoted for
	RSSIJitter        float64 `yaml:"rssi_jitter"`         // uniform +/- dB
	SNRJitter         float64 `yaml:"snr_jitter"`
	LossProbability   float64 `yaml:"loss_probability"`
	CadFalseBusy      float64 `yaml:"cad_false_busy"` // probability of a spurious CAD detection
	TimeScale         float64 `yaml:"time_scale"`     // 1 runs at real airtime
}

// DefaultModel is a moderately good link
func DefaultModel() Model {
	return Model{
		RSSIDbm:           -85,
		SNRDb:             6,
		ReferencePowerDbm: 17,
		RSSIJitter:        3,
		SNRJitter:         1.5,
		LossProbability:   0.02,
		CadFalseBusy:      0.01,
		TimeScale:         1,
	}
}

type transmission struct {
	from     *Radio
	settings radio.Settings
	data     []byte
	start    time.Time
	end      time.Time
	collided bool
}

// Air is the shared medium
type Air struct {
	mu          sync.Mutex
	model       Model
	rnd         *rand.Rand
	radios      []*Radio
	active      []*transmission
	jammedUntil time.Time
}

// NewAir creates a medium with a deterministic random source
func NewAir(model Model, seed int64) *Air {
	if model.TimeScale < 0 {
		model.TimeScale = 0
	}
	return &Air{model: model, rnd: rand.New(rand.NewSource(seed))}
}

// NewRadio attaches a station
func (a *Air) NewRadio(name string) *Radio {
	r := &Radio{
		air:    a,
		name:   name,
		events: make(chan radio.Event, eventBuffer),
	}
	a.mu.Lock()
	a.radios = append(a.radios, r)
	a.mu.Unlock()
	return r
}

// SetLink changes the link budget quality at runtime
func (a *Air) SetLink(rssi int, snr float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.RSSIDbm = rssi
	a.model.SNRDb = snr
}

// SetLoss changes the random loss probability
func (a *Air) SetLoss(p float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.model.LossProbability = p
}

// Jam occupies the channel for d: CAD reports busy and every frame ending
// inside the window is lost
func (a *Air) Jam(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(a.jammedUntil) {
		a.jammedUntil = until
	}
}

// Model returns the current link budget
func (a *Air) Model() Model {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.model
}

func (a *Air) scaled(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * a.model.TimeScale)
	if d < minDelay {
		return minDelay
	}
	return d
}

func (a *Air) detach(r *Radio) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, x := range a.radios {
		if x == r {
			a.radios = append(a.radios[:i], a.radios[i+1:]...)
			return
		}
	}
}

// channelBusy is the CAD answer at now
func (a *Air) channelBusy(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if now.Before(a.jammedUntil) {
		return true
	}
	for _, tx := range a.active {
		if now.Before(tx.end) {
			return true
		}
	}
	return a.rnd.Float64() < a.model.CadFalseBusy
}

// transmit puts a frame on air and schedules its end
func (a *Air) transmit(from *Radio, s radio.Settings, data []byte) time.Duration {
	a.mu.Lock()
	airtime := a.scaled(radio.TimeOnAir(s, len(data)))
	now := time.Now()
	tx := &transmission{
		from:     from,
		settings: s,
		data:     append([]byte(nil), data...),
		start:    now,
		end:      now.Add(airtime),
	}
	for _, other := range a.active {
		if other.settings.FrequencyHz == s.FrequencyHz && now.Before(other.end) {
			other.collided = true
			tx.collided = true
		}
	}
	a.active = append(a.active, tx)
	a.mu.Unlock()

	time.AfterFunc(airtime, func() { a.finish(tx) })
	return airtime
}

func (a *Air) finish(tx *transmission) {
	a.mu.Lock()
	for i, x := range a.active {
		if x == tx {
			a.active = append(a.active[:i], a.active[i+1:]...)
			break
		}
	}
	jammed := tx.end.Before(a.jammedUntil)
	receivers := make([]*Radio, 0, len(a.radios))
	for _, r := range a.radios {
		if r != tx.from {
			receivers = append(receivers, r)
		}
	}
	type reception struct {
		r   *Radio
		pkt radio.Packet
		ok  bool
	}
	plan := make([]reception, 0, len(receivers))
	for _, r := range receivers {
		pkt, ok := a.receptionLocked(tx)
		plan = append(plan, reception{r: r, pkt: pkt, ok: ok})
	}
	a.mu.Unlock()

	for _, rc := range plan {
		switch {
		case tx.collided:
			log.Debug().Str("radio", rc.r.name).Msg("sim: collision")
		case jammed:
			log.Debug().Str("radio", rc.r.name).Msg("sim: frame lost to jamming")
		case !rc.ok:
			log.Debug().Str("radio", rc.r.name).Float64("snr", rc.pkt.SNR).Msg("sim: frame lost")
		default:
			rc.r.hear(tx.settings, rc.pkt)
		}
	}

	tx.from.txDone()
}

// receptionLocked draws the quality one receiver observes for tx
func (a *Air) receptionLocked(tx *transmission) (radio.Packet, bool) {
	m := a.model
	p := tx.settings.Profile

	gain := float64(p.TxPowerDbm - m.ReferencePowerDbm)
	bwGain := 0.0
	if p.BandwidthHz > 0 {
		bwGain = 10 * math.Log10(125000/float64(p.BandwidthHz))
	}

	rssi := float64(m.RSSIDbm) + gain + a.jitter(m.RSSIJitter)
	snr := m.SNRDb + gain + bwGain + a.jitter(m.SNRJitter)

	pkt := radio.Packet{
		Data:           append([]byte(nil), tx.data...),
		RSSI:           int(math.Round(rssi)),
		SNR:            math.Round(snr*4) / 4,
		FrequencyError: int(a.jitter(500)),
	}

	floor, ok := snrFloor[p.SpreadingFactor]
	if !ok || snr < floor {
		return pkt, false
	}
	if a.rnd.Float64() < m.LossProbability {
		return pkt, false
	}
	return pkt, true
}

func (a *Air) jitter(span float64) float64 {
	if span <= 0 {
		return 0
	}
	return (a.rnd.Float64()*2 - 1) * span
}
