package download

import (
	"github.com/sirupsen/logrus"
)

// DefaultMaxPeers is the reference's hard-coded connection fan-out (spec.md
// Design Notes: "Peer-pool size. Hard-coded to 5 in the reference; treat as
// a configuration option with a documented default.")
const DefaultMaxPeers = 5

// Config holds the knobs the reference implementation hard-codes. The zero
// value is usable: a MaxPeers of zero or less falls back to DefaultMaxPeers
// and a nil Logger to logrus.StandardLogger(). DefaultConfig returns those
// defaults explicitly.
type Config struct {
	// MaxPeers bounds how many peers the driver connects to concurrently
	// and retains for the download.
	MaxPeers int
	// Logger receives structured progress and error events. Defaults to
	// logrus.StandardLogger() when nil.
	Logger logrus.FieldLogger
}

// DefaultConfig returns the reference's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPeers: DefaultMaxPeers,
		Logger:   logrus.StandardLogger(),
	}
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
