package learning

import "time"

const (
	PartitionExperiences = "learning/experiences"
	PartitionQValues     = "learning/qvalues"

	defaultAlpha             = 0.1
	defaultGamma             = 0.95
	defaultEpsilon           = 0.1
	defaultBatchSize         = 32
	defaultFlushInterval     = 500 * time.Millisecond
	defaultMaxPersistRetries = 3
)

// Config tunes the TD(0) update rule, exploration rate, and batch-flush
// cadence. Zero values fall back to the documented defaults.
type Config struct {
	Alpha             float64
	Gamma             float64
	Epsilon           float64
	BatchSize         int
	FlushInterval     time.Duration
	MaxPersistRetries int
}

func (c Config) withDefaults() Config {
	if c.Alpha == 0 {
		c.Alpha = defaultAlpha
	}
	if c.Gamma == 0 {
		c.Gamma = defaultGamma
	}
	if c.Epsilon == 0 {
		c.Epsilon = defaultEpsilon
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxPersistRetries <= 0 {
		c.MaxPersistRetries = defaultMaxPersistRetries
	}
	return c
}
