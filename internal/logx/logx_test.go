package logx

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTagsEveryLine(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	logger := Init(&buf, "debug", "json", "node-a")

	logger.Debug().Str("action", "probe").Msg("hello")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, Service, line["service"])
	assert.Equal(t, "node-a", line["node_id"])
	assert.Equal(t, "probe", line["action"])
	assert.Equal(t, "debug", line["level"])

	buf.Reset()
	log.Info().Msg("global")
	assert.Contains(t, buf.String(), `"node_id":"node-a"`, "the global logger is replaced too")
}

func TestInitHonoursLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	var buf bytes.Buffer
	logger := Init(&buf, "warn", "json", "")

	logger.Info().Msg("dropped")
	assert.Empty(t, buf.String())
	logger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.NotContains(t, buf.String(), "node_id")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, ParseLevel("TRACE"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}
