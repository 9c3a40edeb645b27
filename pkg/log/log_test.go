package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	defer func() { Init(Config{Level: InfoLevel, JSONOutput: true, Output: &bytes.Buffer{}}) }()

	logger := WithComponent("registry")
	logger.Info().Str("node_id", "n1").Msg("Registered member")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "registry", entry["component"])
	assert.Equal(t, "n1", entry["node_id"])
	assert.Equal(t, "Registered member", entry["message"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	defer func() { Init(Config{Level: InfoLevel, JSONOutput: true, Output: &bytes.Buffer{}}) }()

	logger := WithComponent("reconciler")
	logger.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "bogus", Output: &buf})
	defer func() { Init(Config{Level: InfoLevel, JSONOutput: true, Output: &bytes.Buffer{}}) }()

	logger := WithNodeID("c1")
	logger.Debug().Msg("hidden at the default level")
	logger.Info().Msg("Controller authority granted")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "Controller authority granted")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, ErrorLevel, ParseLevel("error"))
	assert.Equal(t, InfoLevel, ParseLevel("verbose"))
}

func TestWithMember(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})
	defer func() { Init(Config{Level: InfoLevel, JSONOutput: true, Output: &bytes.Buffer{}}) }()

	logger := WithMember("compute", "n7")
	logger.Info().Msg("acked")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "compute", entry["role"])
	assert.Equal(t, "n7", entry["node_id"])
}
