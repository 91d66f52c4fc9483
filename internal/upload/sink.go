package upload

import (
	"fmt"

	"github.com/srg/biomon/pkg/config"
)

// NewSink builds the sink selected in cfg. It returns nil when uploads are disabled.
func NewSink(cfg config.UploadConfig) (Sink, error) {
	switch cfg.Sink {
	case "":
		return nil, nil
	case "http":
		return NewHTTPSink(cfg.URL, cfg.ConnectTimeout, cfg.ReadTimeout), nil
	case "mqtt":
		sink, err := NewMQTTSink(MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			Topic:    cfg.MQTTTopic,
			QoS:      cfg.MQTTQoS,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "redis":
		return NewRedisSink(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			MaxLen:   cfg.RedisMaxLen,
		}), nil
	default:
		return nil, fmt.Errorf("unknown upload sink %q", cfg.Sink)
	}
}
