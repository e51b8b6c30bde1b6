package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for mq2t.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains everything the protocol client needs to reach and talk to a broker.
type MQTTConfig struct {
	Broker     MQTTBrokerConfig     `yaml:"broker"`
	Auth       MQTTAuthConfig       `yaml:"auth"`
	Will       MQTTWillConfig       `yaml:"will"`
	Session    MQTTSessionConfig    `yaml:"session"`
	Reconnect  MQTTReconnectConfig  `yaml:"reconnect"`
	Retransmit MQTTRetransmitConfig `yaml:"retransmit"`

	// MaxInflight bounds the number of outstanding acknowledged operations.
	// Default: 65535 (the whole packet identifier space).
	MaxInflight int `yaml:"max_inflight"`

	// MaxPayloadSize is the largest PUBLISH payload accepted in either direction (bytes).
	// Default: 8092000
	MaxPayloadSize int `yaml:"max_payload_size"`

	// Subscriptions are subscribed once the first connection is accepted.
	Subscriptions []MQTTSubscriptionConfig `yaml:"subscriptions"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTWillConfig describes the Last Will and Testament registered at CONNECT.
// The will is only sent when Topic is non-empty.
type MQTTWillConfig struct {
	Topic   string   `yaml:"topic"`
	Message string   `yaml:"message"`
	QoS     QoSLevel `yaml:"qos"`
	Retain  bool     `yaml:"retain"`
}

// MQTTSessionConfig contains CONNECT session and liveness settings.
type MQTTSessionConfig struct {
	CleanSession bool `yaml:"clean_session"`

	// KeepAlive is the write-idle interval after which a PINGREQ is sent.
	// Default: 20s
	KeepAlive time.Duration `yaml:"keep_alive"`

	// PingTimeout is how long to wait for PINGRESP. Zero means KeepAlive.
	PingTimeout time.Duration `yaml:"ping_timeout"`

	// ConnectTimeout bounds dial plus CONNECT/CONNACK handshake.
	// Default: 5s
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// DisconnectWait is how long a graceful disconnect waits for UNSUBACKs.
	// Default: 1s
	DisconnectWait time.Duration `yaml:"disconnect_wait"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	// Enabled selects reconnect (true) or disconnect (false) when the
	// keepalive times out or the transport is lost.
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"` // 0 means unlimited
}

// MQTTRetransmitConfig controls the retransmission sweeper.
type MQTTRetransmitConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"` // 0 means retry until the session ends
}

// MQTTSubscriptionConfig is one startup subscription.
type MQTTSubscriptionConfig struct {
	Topic string   `yaml:"topic"`
	QoS   QoSLevel `yaml:"qos"`
}

// InfluxDBConfig contains InfluxDB connection settings for protocol telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// DeliveryConfig controls the delivered_messages log.
type DeliveryConfig struct {
	Enabled      bool `yaml:"enabled"`
	StorePayload bool `yaml:"store_payload"` // otherwise only the size is kept
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// QoSLevel is a quality of service level that accepts either the numeric
// form (0, 1, 2) or the symbolic form (AT_MOST_ONCE, AT_LEAST_ONCE,
// EXACTLY_ONCE) in YAML.
type QoSLevel int

// qosNames maps symbolic QoS names to levels.
var qosNames = map[string]QoSLevel{
	"AT_MOST_ONCE":  0,
	"AT_LEAST_ONCE": 1,
	"EXACTLY_ONCE":  2,
}

// invalidQoS marks a value that could not be parsed; Validate reports it.
const invalidQoS QoSLevel = -1

// UnmarshalYAML implements yaml.Unmarshaler.
func (q *QoSLevel) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("qos must be a scalar, got %v", value.Tag)
	}

	raw := strings.TrimSpace(value.Value)
	if n, err := strconv.Atoi(raw); err == nil {
		*q = QoSLevel(n)
		return nil
	}

	if level, ok := qosNames[strings.ToUpper(raw)]; ok {
		*q = level
		return nil
	}

	*q = invalidQoS
	return nil
}

// Valid reports whether q is 0, 1 or 2.
func (q QoSLevel) Valid() bool {
	return q >= 0 && q <= 2
}

// Byte returns the level as a wire value.
func (q QoSLevel) Byte() byte {
	return byte(q)
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MQ2T_SECTION_KEY
// For example: MQ2T_MQTT_HOST, MQ2T_DATABASE_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the defaults of a local broker setup.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "./data/mq2t.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "127.0.0.1",
				Port:     1883,
				ClientID: "mq2t-client",
			},
			Session: MQTTSessionConfig{
				CleanSession:   true,
				KeepAlive:      20 * time.Second,
				ConnectTimeout: 5 * time.Second,
				DisconnectWait: time.Second,
			},
			Reconnect: MQTTReconnectConfig{
				Enabled:      true,
				InitialDelay: 3 * time.Second,
				MaxDelay:     2 * time.Minute,
			},
			Retransmit: MQTTRetransmitConfig{
				Interval:   time.Minute,
				MaxRetries: 3,
			},
			MaxInflight:    65535,
			MaxPayloadSize: 8092000,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
			Path:   "/metrics",
		},
		Delivery: DeliveryConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MQ2T_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MQ2T_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("MQ2T_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MQ2T_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("MQ2T_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("MQ2T_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MQ2T_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("MQ2T_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("MQ2T_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	errs = append(errs, c.MQTT.validate()...)

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validate returns the MQTT section's validation failures.
func (m *MQTTConfig) validate() []string {
	var errs []string

	if m.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if m.Broker.Port < 1 || m.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if m.Broker.ClientID == "" && !m.Session.CleanSession {
		errs = append(errs, "mqtt.broker.client_id is required when clean_session is false")
	}

	if m.Will.Topic != "" && !m.Will.QoS.Valid() {
		errs = append(errs, "mqtt.will.qos must be 0, 1, or 2")
	}
	if m.Will.Topic == "" && m.Will.Message != "" {
		errs = append(errs, "mqtt.will.topic is required when a will message is set")
	}

	if m.Session.KeepAlive < 0 {
		errs = append(errs, "mqtt.session.keep_alive must not be negative")
	}
	if m.Session.KeepAlive > 65535*time.Second {
		errs = append(errs, "mqtt.session.keep_alive must not exceed 65535s")
	}
	if m.Session.ConnectTimeout <= 0 {
		errs = append(errs, "mqtt.session.connect_timeout must be positive")
	}

	if m.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "mqtt.reconnect.max_attempts must not be negative")
	}

	if m.Retransmit.Interval <= 0 {
		errs = append(errs, "mqtt.retransmit.interval must be positive")
	}
	if m.Retransmit.MaxRetries < 0 {
		errs = append(errs, "mqtt.retransmit.max_retries must not be negative")
	}

	if m.MaxInflight < 1 || m.MaxInflight > 65535 {
		errs = append(errs, "mqtt.max_inflight must be between 1 and 65535")
	}
	if m.MaxPayloadSize < 1 {
		errs = append(errs, "mqtt.max_payload_size must be positive")
	}

	for i, sub := range m.Subscriptions {
		if sub.Topic == "" {
			errs = append(errs, fmt.Sprintf("mqtt.subscriptions[%d].topic is required", i))
		}
		if !sub.QoS.Valid() {
			errs = append(errs, fmt.Sprintf("mqtt.subscriptions[%d].qos must be 0, 1, 2 or a QoS name", i))
		}
	}

	return errs
}

// BrokerAddress returns the host:port of the configured broker.
func (m *MQTTConfig) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", m.Broker.Host, m.Broker.Port)
}
