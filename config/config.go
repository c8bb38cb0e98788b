// Package config loads driver configuration from an HCL file with an
// environment-variable fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/hcl"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// RFHOST_CARD_ADDRESS maps to card.address.
const EnvPrefix = "RFHOST_"

// CardConf identifies the card to drive and how to reach it.
type CardConf struct {
	Address    string `koanf:"address"`  // host:port of a card daemon, empty for loopback
	Discover   bool   `koanf:"discover"` // browse mDNS when no address is given
	SSHHost    string `koanf:"ssh_host"` // optional identity read over ssh
	SSHUser    string `koanf:"ssh_user"`
	SSHKeyPath string `koanf:"ssh_key_path"`
}

// StreamConf shapes the sample stream.
type StreamConf struct {
	SampleRate uint32 `koanf:"sample_rate"`
	BlockWords int    `koanf:"block_words"`
	RxLO       uint64 `koanf:"rx_lo"`
	TxLO       uint64 `koanf:"tx_lo"`
	RxGain     int    `koanf:"rx_gain"`
	TxAtten    int    `koanf:"tx_atten"`
}

// TxConf shapes the transmit flow controller.
type TxConf struct {
	Async   bool `koanf:"async"`
	Workers int  `koanf:"workers"`
}

// TelemetryConf shapes counter publishing.
type TelemetryConf struct {
	History    int `koanf:"history"`
	IntervalMs int `koanf:"interval_ms"`
}

// Config is the whole driver configuration.
type Config struct {
	Card      CardConf      `koanf:"card"`
	Stream    StreamConf    `koanf:"stream"`
	Tx        TxConf        `koanf:"tx"`
	Telemetry TelemetryConf `koanf:"telemetry"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Stream: StreamConf{
			SampleRate: 1_000_000,
			BlockWords: 1018,
		},
		Tx: TxConf{Workers: 2},
		Telemetry: TelemetryConf{
			History:    500,
			IntervalMs: 1000,
		},
	}
}

// SearchPaths are the config file locations tried in order when Load
// is called with an empty path.
var SearchPaths = []string{"/etc/rfhost/config.hcl", "./rfhost.hcl"}

func findConfig(path string) string {
	if path != "" {
		return path
	}
	for _, p := range SearchPaths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			return p
		}
	}
	return ""
}

// Load reads configuration from path (or the search paths when path is
// empty), then applies RFHOST_* environment overrides on top. A
// missing file is not an error; the defaults carry.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if p := findConfig(path); p != "" {
		if err := k.Load(file.Provider(p), hcl.Parser(true)); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", p, err)
		}
	} else if path != "" {
		return cfg, fmt.Errorf("config file %s not found", path)
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			return strings.Replace(key, "_", ".", 1), value
		},
	}), nil); err != nil {
		return cfg, fmt.Errorf("read environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}
