package homie

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by ClientConfigFromEnv.
const (
	EnvServer   = "MQTT_SERVER"
	EnvClientID = "MQTT_CLIENT_ID"
	EnvUsername = "MQTT_USERNAME"
	EnvPassword = "MQTT_PASSWORD"
	EnvQoS      = "MQTT_QOS"
)

const (
	defaultMqttBroker           = "tcp://127.0.0.1:1883"
	defaultQoS                  = 1
	defaultKeepAlive            = 60 * time.Second
	defaultConnectRetryInterval = time.Minute
	defaultPublishTimeout       = 30 * time.Second
	defaultDisconnectQuiesce    = 250 * time.Millisecond
)

// ClientConfig holds the broker settings for a Client.
type ClientConfig struct {
	// Broker is the server URL, for example tcp://127.0.0.1:1883.
	Broker string `yaml:"broker"`
	// ClientID defaults to homieGo-<device id>.
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// QoS is used for every publish and subscribe, including the will.
	QoS *byte `yaml:"qos"`

	KeepAlive            time.Duration `yaml:"keep_alive"`
	ConnectRetryInterval time.Duration `yaml:"connect_retry_interval"`
	PublishTimeout       time.Duration `yaml:"publish_timeout"`
	DisconnectQuiesce    time.Duration `yaml:"disconnect_quiesce"`
}

// ApplyDefaults fills every unset field. ClientID defaults to
// homieGo-<deviceID>.
func (c *ClientConfig) ApplyDefaults(deviceID string) {
	if c.Broker == "" {
		c.Broker = defaultMqttBroker
	}
	if c.ClientID == "" {
		c.ClientID = mqttClientIDPrefix + "-" + deviceID
	}
	if c.QoS == nil {
		q := byte(defaultQoS)
		c.QoS = &q
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = defaultKeepAlive
	}
	if c.ConnectRetryInterval <= 0 {
		c.ConnectRetryInterval = defaultConnectRetryInterval
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.DisconnectQuiesce <= 0 {
		c.DisconnectQuiesce = defaultDisconnectQuiesce
	}
}

// qos returns the configured QoS, or the default before ApplyDefaults.
func (c *ClientConfig) qos() byte {
	if c.QoS == nil {
		return defaultQoS
	}
	return *c.QoS
}

// ClientConfigFromEnv builds a config from the MQTT_* environment
// variables. MQTT_SERVER is required.
func ClientConfigFromEnv() (ClientConfig, error) {
	var cfg ClientConfig
	if err := cfg.overrideFromEnv(); err != nil {
		return cfg, err
	}
	if cfg.Broker == "" {
		return cfg, fmt.Errorf("environment missing %s variable", EnvServer)
	}
	return cfg, nil
}

// LoadClientConfig reads a YAML config file. MQTT_* environment variables
// that are set override the file.
func LoadClientConfig(path string) (ClientConfig, error) {
	var cfg ClientConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.overrideFromEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *ClientConfig) overrideFromEnv() error {
	if s, ok := os.LookupEnv(EnvServer); ok {
		c.Broker = s
	}
	if s, ok := os.LookupEnv(EnvClientID); ok {
		c.ClientID = s
	}
	if s, ok := os.LookupEnv(EnvUsername); ok {
		c.Username = s
	}
	if s, ok := os.LookupEnv(EnvPassword); ok {
		c.Password = s
	}
	if s, ok := os.LookupEnv(EnvQoS); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvQoS, err)
		}
		q := byte(n)
		if n < 0 || n > 2 {
			return fmt.Errorf("%s: qos %d not in 0:2", EnvQoS, n)
		}
		c.QoS = &q
	}
	return c.validate()
}

func (c *ClientConfig) validate() error {
	if q := c.qos(); q > 2 {
		return fmt.Errorf("qos %d not in 0:2", q)
	}
	return nil
}
