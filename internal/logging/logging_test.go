package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" WARNING "))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("Error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"))
}

func TestComponentLoggerChains(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(Config{})

	// Component loggers get held in a variable or struct field so the
	// level methods, which need an addressable receiver, chain cleanly.
	log := Component("gate")
	log.Debug().Str("k", "v").Msg("rules loaded")

	out := buf.String()
	assert.Contains(t, out, `"component":"gate"`)
	assert.Contains(t, out, `"k":"v"`)
	assert.Contains(t, out, "rules loaded")
}

func TestInitHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Output: &buf})
	defer Init(Config{})

	Info().Msg("dropped")
	Warn().Msg("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}
