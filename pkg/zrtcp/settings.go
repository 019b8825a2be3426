// Package zrtcp carries the zone-graph RPC protocol over TCP: a channel
// manager that frames wire envelopes onto a stream connection, multiplexes
// concurrent requests by sequence number, and implements the cooperative
// close handshake; a Transport riding it; and a listener that attaches
// inbound zones.
package zrtcp

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Settings are the tunables of a TCP channel. The zero value of any field
// falls back to its default.
type Settings struct {
	// DialTimeout bounds connection establishment
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// CallTimeout bounds each request waiting for its reply; an expired
	// waiter resolves with transport_error
	CallTimeout time.Duration `yaml:"call_timeout"`

	// WriteTimeout bounds each frame write
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxFrameSize rejects peers announcing absurd payload sizes
	MaxFrameSize uint64 `yaml:"max_frame_size"`
}

// DefaultSettings returns the stock tuning.
func DefaultSettings() Settings {
	return Settings{
		DialTimeout:  5 * time.Second,
		CallTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxFrameSize: 64 * 1024 * 1024,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.DialTimeout == 0 {
		s.DialTimeout = d.DialTimeout
	}
	if s.CallTimeout == 0 {
		s.CallTimeout = d.CallTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = d.WriteTimeout
	}
	if s.MaxFrameSize == 0 {
		s.MaxFrameSize = d.MaxFrameSize
	}
	return s
}

// LoadSettings reads Settings from a YAML file.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "cannot read settings file %s", path)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.Wrapf(err, "cannot parse settings file %s", path)
	}
	return s.withDefaults(), nil
}
