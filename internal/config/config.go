package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lora-linkctl/internal/adapt"
	"github.com/lorawan-server/lora-linkctl/internal/csma"
	"github.com/lorawan-server/lora-linkctl/internal/link"
	"github.com/lorawan-server/lora-linkctl/internal/radio"
	"github.com/lorawan-server/lora-linkctl/internal/radio/sim"
	"github.com/lorawan-server/lora-linkctl/internal/radio/udpair"
	"github.com/lorawan-server/lora-linkctl/pkg/frame"
)

// Radio drivers
const (
	DriverSim = "sim"
	DriverUDP = "udp"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Radio      RadioConfig      `yaml:"radio"`
	Link       LinkConfig       `yaml:"link"`
	Adaptation AdaptationConfig `yaml:"adaptation"`
	Journal    JournalConfig    `yaml:"journal"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	JWT        JWTConfig        `yaml:"jwt"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// RadioConfig selects the transceiver and its fixed modem settings
type RadioConfig struct {
	Driver         string         `yaml:"driver"` // sim | udp
	FrequencyHz    int            `yaml:"frequency_hz"`
	PreambleLength int            `yaml:"preamble_length"`
	SyncWord       int            `yaml:"sync_word"`
	CRC            bool           `yaml:"crc"`
	InitialProfile string         `yaml:"initial_profile"` // long_range | balanced | high_data_rate
	Profile        *radio.Profile `yaml:"profile"`         // overrides initial_profile
	Sim            SimConfig      `yaml:"sim"`
	UDP            udpair.Config  `yaml:"udp"`
}

// SimConfig describes the in-process air and the simulated peer station
type SimConfig struct {
	sim.Model `yaml:",inline"`
	Seed      int64 `yaml:"seed"`
	Peer      bool  `yaml:"peer"` // run a peer session at link.destination_address
}

// LinkConfig represents the station and its send loop
type LinkConfig struct {
	Station            string        `yaml:"station"`
	LocalAddress       frame.Address `yaml:"local_address"`
	DestinationAddress frame.Address `yaml:"destination_address"`
	SendEnabled        bool          `yaml:"send_enabled"`
	SendIntervalMin    time.Duration `yaml:"send_interval_min"`
	SendIntervalMax    time.Duration `yaml:"send_interval_max"`
	AckEnabled         bool          `yaml:"ack_enabled"` // false: unconfirmed unicast, no ACKs sent
	AckTimeout         time.Duration `yaml:"ack_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	PayloadPrefix      string        `yaml:"payload_prefix"`
	QueueSize          int           `yaml:"queue_size"`
	CSMA               CSMAConfig    `yaml:"csma"`
}

// CSMAConfig represents the listen-before-talk gate
type CSMAConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffMin  time.Duration `yaml:"backoff_min"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// AdaptationConfig represents the rate controller thresholds
type AdaptationConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Threshold      int           `yaml:"threshold"`
	Cooldown       time.Duration `yaml:"cooldown"`
	UpgradeMinSNR  float64       `yaml:"upgrade_min_snr"`
	UpgradeMinRSSI int           `yaml:"upgrade_min_rssi"`
	PowerTrimRSSI  int           `yaml:"power_trim_rssi"`
	PowerFloorDbm  int           `yaml:"power_floor_dbm"`
}

// JournalConfig sizes the event pipeline
type JournalConfig struct {
	Buffer         int `yaml:"buffer"`
	MemoryCapacity int `yaml:"memory_capacity"`
}

// DatabaseConfig represents database configuration. An empty DSN keeps the
// journal in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id"`
}

// MQTTConfig represents MQTT publishing configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	TLS         bool   `yaml:"tls"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	Issuer         string        `yaml:"issuer"`
}

// Default returns a configuration for a simulated 0xAA -> 0xBB link
func Default() *Config {
	lc := link.DefaultConfig(0xAA, 0xBB)
	ac := adapt.DefaultConfig()
	return &Config{
		Server: ServerConfig{Name: "linkd", Version: "dev"},
		Log:    LogConfig{Level: "info", Format: "console"},
		Radio: RadioConfig{
			Driver:         DriverSim,
			FrequencyHz:    radio.DefaultFrequencyHz,
			PreambleLength: radio.DefaultPreambleLength,
			SyncWord:       radio.DefaultSyncWord,
			CRC:            true,
			InitialProfile: "balanced",
			Sim:            SimConfig{Model: sim.DefaultModel(), Peer: true},
			UDP:            udpair.DefaultConfig(),
		},
		Link: LinkConfig{
			LocalAddress:       lc.LocalAddress,
			DestinationAddress: lc.DestinationAddress,
			SendEnabled:        lc.SendEnabled,
			SendIntervalMin:    lc.SendIntervalMin,
			SendIntervalMax:    lc.SendIntervalMax,
			AckEnabled:         lc.AckEnabled,
			AckTimeout:         lc.AckTimeout,
			PollInterval:       lc.PollInterval,
			PayloadPrefix:      lc.PayloadPrefix,
			QueueSize:          lc.QueueSize,
			CSMA: CSMAConfig{
				Enabled:     lc.CSMAEnabled,
				MaxAttempts: lc.CSMA.MaxAttempts,
				BackoffMin:  lc.CSMA.BackoffMin,
				BackoffMax:  lc.CSMA.BackoffMax,
			},
		},
		Adaptation: AdaptationConfig{
			Enabled:        true,
			Threshold:      ac.Threshold,
			Cooldown:       ac.Cooldown,
			UpgradeMinSNR:  ac.UpgradeMinSNR,
			UpgradeMinRSSI: ac.UpgradeMinRSSI,
			PowerTrimRSSI:  ac.PowerTrimRSSI,
			PowerFloorDbm:  ac.PowerFloorDbm,
		},
		Journal:  JournalConfig{Buffer: 256, MemoryCapacity: 1000},
		Database: DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxLifetime: 30 * time.Minute},
		NATS:     NATSConfig{ClientID: "linkd"},
		MQTT:     MQTTConfig{ClientID: "linkd", TopicPrefix: "link"},
		API:      APIConfig{Enabled: false, Host: "0.0.0.0", Port: 8090},
		JWT:      JWTConfig{AccessTokenTTL: 24 * time.Hour, Issuer: "linkd"},
	}
}

// Load loads configuration from file. Keys absent from the file keep
// their defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and applies environment overrides
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if driver := os.Getenv("RADIO_DRIVER"); driver != "" {
		c.Radio.Driver = driver
	}

	if v := os.Getenv("LINK_LOCAL_ADDRESS"); v != "" {
		addr, err := frame.ParseAddress(v)
		if err != nil {
			return fmt.Errorf("LINK_LOCAL_ADDRESS: %w", err)
		}
		c.Link.LocalAddress = addr
	}

	if v := os.Getenv("LINK_DESTINATION_ADDRESS"); v != "" {
		addr, err := frame.ParseAddress(v)
		if err != nil {
			return fmt.Errorf("LINK_DESTINATION_ADDRESS: %w", err)
		}
		c.Link.DestinationAddress = addr
	}

	return nil
}

// Validate checks ranges and cross-section constraints
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	switch c.Radio.Driver {
	case DriverSim, DriverUDP:
	default:
		return fmt.Errorf("radio.driver: unknown driver %q", c.Radio.Driver)
	}
	if c.Radio.FrequencyHz <= 0 {
		return fmt.Errorf("radio.frequency_hz must be positive")
	}
	if c.Radio.SyncWord < 0 || c.Radio.SyncWord > 0xFF {
		return fmt.Errorf("radio.sync_word %#x does not fit a byte", c.Radio.SyncWord)
	}
	p, err := c.InitialProfile()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("radio.profile: %w", err)
	}
	if c.Radio.Sim.LossProbability < 0 || c.Radio.Sim.LossProbability > 1 {
		return fmt.Errorf("radio.sim.loss_probability must be within 0-1")
	}

	if c.Link.LocalAddress == frame.Broadcast {
		return fmt.Errorf("link.local_address cannot be the broadcast address")
	}
	if c.Link.LocalAddress == c.Link.DestinationAddress {
		return fmt.Errorf("link.destination_address equals the local address %s", c.Link.LocalAddress)
	}
	if c.Link.SendIntervalMin <= 0 {
		return fmt.Errorf("link.send_interval_min must be positive")
	}
	if c.Link.SendIntervalMax < c.Link.SendIntervalMin {
		return fmt.Errorf("link.send_interval_max %v below send_interval_min %v", c.Link.SendIntervalMax, c.Link.SendIntervalMin)
	}
	if c.Link.AckTimeout <= 0 {
		return fmt.Errorf("link.ack_timeout must be positive")
	}
	if c.Link.QueueSize <= 0 {
		return fmt.Errorf("link.queue_size must be positive")
	}
	if c.Link.CSMA.Enabled && c.Link.CSMA.MaxAttempts <= 0 {
		return fmt.Errorf("link.csma.max_attempts must be positive")
	}
	if c.Link.CSMA.BackoffMax < c.Link.CSMA.BackoffMin {
		return fmt.Errorf("link.csma.backoff_max below backoff_min")
	}

	if c.Adaptation.Threshold <= 0 {
		return fmt.Errorf("adaptation.threshold must be positive")
	}
	if c.Adaptation.Cooldown < 0 {
		return fmt.Errorf("adaptation.cooldown cannot be negative")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("api.port %d out of range", c.API.Port)
		}
		if c.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is required when the API is enabled")
		}
	}

	return nil
}

// InitialProfile resolves radio.profile or radio.initial_profile
func (c *Config) InitialProfile() (radio.Profile, error) {
	if c.Radio.Profile != nil {
		return *c.Radio.Profile, nil
	}
	p, ok := radio.ProfileByName(c.Radio.InitialProfile)
	if !ok {
		return radio.Profile{}, fmt.Errorf("radio.initial_profile: unknown profile %q", c.Radio.InitialProfile)
	}
	return p, nil
}

// RadioSettings returns the settings the session starts with
func (c *Config) RadioSettings() radio.Settings {
	p, err := c.InitialProfile()
	if err != nil {
		p = radio.Balanced
	}
	return radio.Settings{
		Profile:        p,
		FrequencyHz:    c.Radio.FrequencyHz,
		PreambleLength: c.Radio.PreambleLength,
		SyncWord:       uint8(c.Radio.SyncWord),
		CRC:            c.Radio.CRC,
	}
}

// LinkConfig builds the session configuration
func (c *Config) LinkConfig() link.Config {
	return link.Config{
		Station:            c.Link.Station,
		LocalAddress:       c.Link.LocalAddress,
		DestinationAddress: c.Link.DestinationAddress,
		Radio:              c.RadioSettings(),
		SendEnabled:        c.Link.SendEnabled,
		SendIntervalMin:    c.Link.SendIntervalMin,
		SendIntervalMax:    c.Link.SendIntervalMax,
		AckEnabled:         c.Link.AckEnabled,
		AckTimeout:         c.Link.AckTimeout,
		PollInterval:       c.Link.PollInterval,
		PayloadPrefix:      c.Link.PayloadPrefix,
		QueueSize:          c.Link.QueueSize,
		CSMAEnabled:        c.Link.CSMA.Enabled,
		CSMA: csma.Config{
			MaxAttempts: c.Link.CSMA.MaxAttempts,
			BackoffMin:  c.Link.CSMA.BackoffMin,
			BackoffMax:  c.Link.CSMA.BackoffMax,
		},
		AdaptationEnabled: c.Adaptation.Enabled,
		Adaptation: adapt.Config{
			Threshold:      c.Adaptation.Threshold,
			Cooldown:       c.Adaptation.Cooldown,
			UpgradeMinSNR:  c.Adaptation.UpgradeMinSNR,
			UpgradeMinRSSI: c.Adaptation.UpgradeMinRSSI,
			PowerTrimRSSI:  c.Adaptation.PowerTrimRSSI,
			PowerFloorDbm:  c.Adaptation.PowerFloorDbm,
		},
	}
}

// PeerLinkConfig mirrors the station for the simulated peer: addresses
// swapped, sending off so the peer only answers
func (c *Config) PeerLinkConfig() link.Config {
	lc := c.LinkConfig()
	lc.Station = ""
	lc.LocalAddress, lc.DestinationAddress = c.Link.DestinationAddress, c.Link.LocalAddress
	lc.SendEnabled = false
	return lc
}

// PrintConfigSummary prints a configuration summary
func (c *Config) PrintConfigSummary() {
	s := c.RadioSettings()
	fmt.Printf("=== LoRa Link Configuration ===\n")
	fmt.Printf("Server: %s v%s\n", c.Server.Name, c.Server.Version)
	fmt.Printf("Radio driver: %s\n", c.Radio.Driver)
	fmt.Printf("  Frequency: %.3f MHz\n", float64(s.FrequencyHz)/1000000)
	fmt.Printf("  Profile: %s\n", s.Profile)
	fmt.Printf("  Preamble: %d symbols, sync word 0x%02X, CRC %v\n", s.PreambleLength, s.SyncWord, s.CRC)
	switch c.Radio.Driver {
	case DriverSim:
		fmt.Printf("  Sim: RSSI %d dBm, SNR %.1f dB, loss %.2f, peer %v\n",
			c.Radio.Sim.RSSIDbm, c.Radio.Sim.SNRDb, c.Radio.Sim.LossProbability, c.Radio.Sim.Peer)
	case DriverUDP:
		fmt.Printf("  UDP: listen %s, peers %v\n", c.Radio.UDP.Listen, c.Radio.UDP.Peers)
	}
	fmt.Printf("Link: %s -> %s\n", c.Link.LocalAddress, c.Link.DestinationAddress)
	fmt.Printf("  Send: %v every %v-%v, ACK %v (timeout %v)\n",
		c.Link.SendEnabled, c.Link.SendIntervalMin, c.Link.SendIntervalMax, c.Link.AckEnabled, c.Link.AckTimeout)
	fmt.Printf("  CSMA: %v (%d attempts, backoff %v-%v)\n",
		c.Link.CSMA.Enabled, c.Link.CSMA.MaxAttempts, c.Link.CSMA.BackoffMin, c.Link.CSMA.BackoffMax)
	fmt.Printf("Adaptation: %v (threshold %d, cooldown %v)\n",
		c.Adaptation.Enabled, c.Adaptation.Threshold, c.Adaptation.Cooldown)
	if c.Database.DSN != "" {
		fmt.Printf("Journal: postgres\n")
	} else {
		fmt.Printf("Journal: memory (%d events)\n", c.Journal.MemoryCapacity)
	}
	fmt.Printf("NATS: %s\n", orNone(c.NATS.URL))
	fmt.Printf("MQTT: %s\n", orNone(c.MQTT.Broker))
	if c.API.Enabled {
		fmt.Printf("API: %s:%d\n", c.API.Host, c.API.Port)
	} else {
		fmt.Printf("API: disabled\n")
	}
	fmt.Printf("==========================================\n")
}

func orNone(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
