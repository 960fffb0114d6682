// Package config loads the daemon's tunables from an optional TOML
// file overlaid on documented defaults: a small typed options struct,
// defaults baked in, overridable by the operator.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon's recognized options.
type Config struct {
	EnumScanIntervalMS   int            `toml:"enum_scan_interval_ms"`
	DisconnectGraceMS    int            `toml:"disconnect_grace_ms"`
	IdleTransportTimeoutMS int          `toml:"idle_transport_timeout_ms"`
	WorkerInboxCapacity  int            `toml:"worker_inbox_capacity"`
	EventSubscriberBuffer int           `toml:"event_subscriber_buffer"`
	UploadChunkBytes     int            `toml:"upload_chunk_bytes"`
	TransportRetryScheduleMS []int      `toml:"transport_retry_schedule_ms"`
	OpTimeoutMS          map[string]int `toml:"op_timeout_ms"`

	ListenAddr string `toml:"listen_addr"`
	LogFile    string `toml:"log_file"`
	Verbose    bool   `toml:"verbose"`
	RegistryDB string `toml:"registry_db"`
}

// Default returns the daemon's documented defaults.
func Default() Config {
	return Config{
		EnumScanIntervalMS:       500,
		DisconnectGraceMS:        10000,
		IdleTransportTimeoutMS:   120000,
		WorkerInboxCapacity:      32,
		EventSubscriberBuffer:    256,
		UploadChunkBytes:         1024,
		TransportRetryScheduleMS: []int{100, 250, 500},
		OpTimeoutMS: map[string]int{
			"get_features":   5000,
			"button_confirm": 120000,
			"update_firmware": 900000,
		},
		ListenAddr: "127.0.0.1:21325",
		RegistryDB: "keepkey-vault.db",
	}
}

// Load reads path as TOML and overlays it onto Default(); an empty
// path returns the defaults untouched. Fields absent from the file
// keep their default value since toml.DecodeFile only ever writes
// fields it finds.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) ScanInterval() time.Duration { return time.Duration(c.EnumScanIntervalMS) * time.Millisecond }
func (c Config) DisconnectGrace() time.Duration {
	return time.Duration(c.DisconnectGraceMS) * time.Millisecond
}
func (c Config) IdleTransportTimeout() time.Duration {
	return time.Duration(c.IdleTransportTimeoutMS) * time.Millisecond
}

func (c Config) RetrySchedule() []time.Duration {
	out := make([]time.Duration, len(c.TransportRetryScheduleMS))
	for i, ms := range c.TransportRetryScheduleMS {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

func (c Config) OpTimeout(op string) time.Duration {
	if ms, ok := c.OpTimeoutMS[op]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 5 * time.Second
}
