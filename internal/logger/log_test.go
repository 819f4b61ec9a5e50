package logger

import (
	"bytes"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddsBaseFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Options{Level: "debug", Service: "triage-ingest", Instance: "i-1"})
	l.Info().Str("partition", "0").Msg("[INFO] started")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "triage-ingest", line["service"])
	assert.Equal(t, "i-1", line["instance"])
	assert.Equal(t, "0", line["partition"])
	assert.Equal(t, "info", line["level"])
}

func TestNewSamplesInfoButNotWarn(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Options{Level: "info", SampleN: 10})
	for i := 0; i < 10; i++ {
		l.Info().Msg("tick")
	}
	for i := 0; i < 3; i++ {
		l.Warn().Msg("slow")
	}

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"tick"`))
	assert.Equal(t, 3, strings.Count(out, `"slow"`))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud"))
}
