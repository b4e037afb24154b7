package config

import (
	"fmt"
	"strings"
)

// Config carries the service-level settings for a decode run: where to
// expose metrics, where to publish results, and the generation defaults
// applied when a request leaves a knob unset.
type Config struct {
	MetricsAddr string
	FlightAddr  string

	LogLevel  string
	LogFormat string

	MaxLength         int
	NumBeams          int
	NumReturnBeams    int
	LengthPenalty     float32
	EarlyStopping     bool
	MinLength         int
	RepetitionPenalty float32

	VocabSize  int
	EOSTokenID int
	PadTokenID int

	StreamDepth int
}

func (c *Config) Validate() error {
	if c.MaxLength <= 0 {
		return fmt.Errorf("invalid max_length: %d (must be positive)", c.MaxLength)
	}
	if c.NumBeams <= 0 {
		return fmt.Errorf("invalid num_beams: %d (must be positive)", c.NumBeams)
	}
	if c.NumReturnBeams <= 0 {
		return fmt.Errorf("invalid num_return_beams: %d (must be positive)", c.NumReturnBeams)
	}
	if c.NumReturnBeams > c.NumBeams {
		return fmt.Errorf("num_return_beams (%d) > num_beams (%d)", c.NumReturnBeams, c.NumBeams)
	}
	if c.LengthPenalty <= 0 {
		return fmt.Errorf("invalid length_penalty: %f (must be positive)", c.LengthPenalty)
	}
	if c.MinLength < 0 {
		return fmt.Errorf("invalid min_length: %d (must be non-negative)", c.MinLength)
	}
	if c.MinLength > c.MaxLength {
		return fmt.Errorf("min_length (%d) > max_length (%d)", c.MinLength, c.MaxLength)
	}
	if c.RepetitionPenalty <= 0 {
		return fmt.Errorf("invalid repetition_penalty: %f (must be positive)", c.RepetitionPenalty)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.EOSTokenID < 0 {
		return fmt.Errorf("invalid eos_token_id: %d (must be non-negative)", c.EOSTokenID)
	}
	if c.EOSTokenID >= c.VocabSize {
		return fmt.Errorf("eos_token_id (%d) >= vocab_size (%d)", c.EOSTokenID, c.VocabSize)
	}
	if c.PadTokenID < 0 {
		return fmt.Errorf("invalid pad_token_id: %d (must be non-negative)", c.PadTokenID)
	}
	if c.StreamDepth <= 0 {
		return fmt.Errorf("invalid stream_depth: %d (must be positive)", c.StreamDepth)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	return nil
}

// IsBeamSearch reports whether the configured defaults select the beam
// decode path.
func (c *Config) IsBeamSearch() bool {
	return c.NumBeams > 1
}

func Default() Config {
	return Config{
		MetricsAddr: ":9090",
		FlightAddr:  "",

		LogLevel:  "info",
		LogFormat: "json",

		MaxLength:         256,
		NumBeams:          1,
		NumReturnBeams:    1,
		LengthPenalty:     1.0,
		MinLength:         0,
		RepetitionPenalty: 1.0,

		VocabSize:  32000,
		EOSTokenID: 2,
		PadTokenID: 0,

		StreamDepth: 256,
	}
}
