package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJSONRejectsDuplicateKeys(t *testing.T) {
	t.Parallel()

	_, _, err := toJSON("agentd.yaml", []byte("storage:\n  driver: memory\n  driver: sqlite\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key storage.driver")
}

func TestToJSONFollowsAnchors(t *testing.T) {
	t.Parallel()

	src := "defaults: &d {enabled: true}\nplugins:\n  echo: *d\n"
	out, f, err := toJSON("agentd.yml", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, formatYAML, f)
	assert.JSONEq(t, `{"defaults":{"enabled":true},"plugins":{"echo":{"enabled":true}}}`, string(out))
}

func TestToJSONEmptyAndJSON(t *testing.T) {
	t.Parallel()

	out, _, err := toJSON("agentd.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))

	raw := []byte(`{"a":1}`)
	out, f, err := toJSON("agentd.json", raw)
	require.NoError(t, err)
	assert.Equal(t, formatJSON, f)
	assert.Equal(t, raw, out)
}

func TestParseDurationDays(t *testing.T) {
	t.Parallel()

	d, err := ParseDuration("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = ParseDurationField("storage.retention", "xd")
	assert.ErrorContains(t, err, "storage.retention")
}
