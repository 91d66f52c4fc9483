package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/biomon/internal/link"
	"github.com/srg/biomon/internal/worker"
	"github.com/srg/biomon/pkg/monitor"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel  logrus.Level    `yaml:"log_level"`
	Transport TransportConfig `yaml:"transport"`
	Sampling  SamplingConfig  `yaml:"sampling"`
	Upload    UploadConfig    `yaml:"upload"`
}

// TransportConfig selects and parameterizes the board link
type TransportConfig struct {
	Type              string        `yaml:"type" default:"bluetooth"`
	Address           string        `yaml:"address"`
	Port              string        `yaml:"port"`
	BaudRate          int           `yaml:"baud_rate" default:"115200"`
	I2CBus            string        `yaml:"i2c_bus"`
	LEDPin            string        `yaml:"led_pin" default:"GPIO17"`
	ADCAddress        uint16        `yaml:"adc_address" default:"72"`
	RequestTimeout    time.Duration `yaml:"request_timeout" default:"2s"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"` // 0 = wait until connected
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`
	RetryDelay        time.Duration `yaml:"retry_delay" default:"1s"`
}

// SamplingConfig is the board wiring and sampling cadence
type SamplingConfig struct {
	Tick           time.Duration `yaml:"tick" default:"100ms"`
	BusDelay       time.Duration `yaml:"bus_delay" default:"1s"`
	LEDPin         int           `yaml:"led_pin"`
	TemperaturePin int           `yaml:"temperature_pin" default:"45"`
	BreathingPin   int           `yaml:"breathing_pin" default:"43"`
	Bus            int           `yaml:"bus"`
	HMRIAddress    uint8         `yaml:"hmri_address" default:"127"`
	WatchInterval  time.Duration `yaml:"watch_interval" default:"100ms"`
}

// UploadConfig configures the periodic snapshot upload. An empty Sink disables it.
type UploadConfig struct {
	Sink      string        `yaml:"sink"` // http, mqtt, redis
	Interval  time.Duration `yaml:"interval" default:"5s"`
	QueueSize int           `yaml:"queue_size" default:"16"`

	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"15s"`
	ReadTimeout    time.Duration `yaml:"read_timeout" default:"10s"`

	MQTTBroker   string `yaml:"mqtt_broker"`
	MQTTClientID string `yaml:"mqtt_client_id" default:"biomon"`
	MQTTTopic    string `yaml:"mqtt_topic" default:"biomon/readings"`
	MQTTQoS      byte   `yaml:"mqtt_qos" default:"1"`
	MQTTUsername string `yaml:"mqtt_username"`
	MQTTPassword string `yaml:"mqtt_password"`

	RedisAddr     string `yaml:"redis_addr" default:"localhost:6379"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisStream   string `yaml:"redis_stream" default:"biomon:readings"`
	RedisMaxLen   int64  `yaml:"redis_max_len" default:"1000"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a transport or sink
func (c *Config) Validate() error {
	if c.Transport.Type == "" {
		return fmt.Errorf("transport.type is required")
	}
	if c.Sampling.Tick < 0 || c.Sampling.BusDelay < 0 {
		return fmt.Errorf("sampling delays must not be negative")
	}
	switch c.Upload.Sink {
	case "":
	case "http":
		if c.Upload.URL == "" {
			return fmt.Errorf("upload.url is required for the http sink")
		}
	case "mqtt":
		if c.Upload.MQTTBroker == "" {
			return fmt.Errorf("upload.mqtt_broker is required for the mqtt sink")
		}
	case "redis":
		if c.Upload.RedisStream == "" {
			return fmt.Errorf("upload.redis_stream is required for the redis sink")
		}
	default:
		return fmt.Errorf("unknown upload sink %q (want http, mqtt or redis)", c.Upload.Sink)
	}
	if c.Upload.Sink != "" && c.Upload.Interval <= 0 {
		return fmt.Errorf("upload.interval must be positive")
	}
	return nil
}

// LinkOptions returns the options handed to transport factories
func (c *Config) LinkOptions() *link.Options {
	t := c.Transport
	return &link.Options{
		Address:        t.Address,
		Port:           t.Port,
		BaudRate:       t.BaudRate,
		Bus:            t.I2CBus,
		LEDPin:         t.LEDPin,
		ADCAddress:     t.ADCAddress,
		RequestTimeout: t.RequestTimeout,
		// ADS1115 inputs A0 and A1
		AnalogChannels: map[int]int{
			c.Sampling.TemperaturePin: 0,
			c.Sampling.BreathingPin:   1,
		},
	}
}

// MonitorOptions maps the configuration onto monitor and worker options
func (c *Config) MonitorOptions() monitor.Options {
	w := worker.DefaultOptions()
	w.Selector = c.Transport.Type
	w.LinkOptions = c.LinkOptions()
	w.LEDPin = c.Sampling.LEDPin
	w.TemperaturePin = c.Sampling.TemperaturePin
	w.BreathingPin = c.Sampling.BreathingPin
	w.Bus = c.Sampling.Bus
	w.HMRIAddress = c.Sampling.HMRIAddress
	w.Tick = c.Sampling.Tick
	w.BusDelay = c.Sampling.BusDelay
	w.RetryDelay = c.Transport.RetryDelay
	w.ConnectTimeout = c.Transport.ConnectTimeout
	w.DisconnectTimeout = c.Transport.DisconnectTimeout

	return monitor.Options{
		Worker:        w,
		WatchInterval: c.Sampling.WatchInterval,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
