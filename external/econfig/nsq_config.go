package econfig

import (
	"time"

	"github.com/nsqio/go-nsq"
)

type NsqConfig struct {
	Producer Producer `yaml:"producer"`
}

type Producer struct {
	NsqdAddr          string        `yaml:"nsqd-addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"`
	WriteTimeout      time.Duration `yaml:"write-timeout"`
}

func (nc NsqConfig) Enabled() bool {
	return nc.Producer.NsqdAddr != ""
}

func NewNsqProducer(cfg NsqConfig) (*nsq.Producer, error) {
	nc := nsq.NewConfig()
	if cfg.Producer.HeartbeatInterval > 0 {
		nc.HeartbeatInterval = cfg.Producer.HeartbeatInterval
	}
	if cfg.Producer.WriteTimeout > 0 {
		nc.WriteTimeout = cfg.Producer.WriteTimeout
	}

	pd, err := nsq.NewProducer(cfg.Producer.NsqdAddr, nc)
	if err != nil {
		return nil, err
	}

	if err = pd.Ping(); err != nil {
		pd.Stop()
		return nil, err
	}

	return pd, nil
}
