package ammalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSizeSuffixes(t *testing.T) {
	cases := map[string]uintptr{
		"1":    1,
		"512":  512,
		"4K":   4 << 10,
		"4k":   4 << 10,
		"2M":   2 << 20,
		"1G":   1 << 30,
		" 8M ": 8 << 20,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	_, err := parseSize("")
	assert.Error(t, err)

	_, err = parseSize("not-a-number")
	assert.Error(t, err)
}

func TestParseBoolTruthySet(t *testing.T) {
	for _, s := range []string{"1", "true", "TRUE", "yes", "On"} {
		assert.True(t, parseBool(s), "input %q", s)
	}
	for _, s := range []string{"", "0", "false", "no", "off", "garbage"} {
		assert.False(t, parseBool(s), "input %q", s)
	}
}

func TestInitFromEnvClampsOverflowTCSize(t *testing.T) {
	t.Setenv("AM_TC_SIZE", "4G")
	cfg := initFromEnv()
	assert.Equal(t, uintptr(maxTCSize), cfg.TCSizeMax)
}

func TestInitFromEnvDefaultsWhenUnset(t *testing.T) {
	cfg := initFromEnv()
	assert.Equal(t, uintptr(defaultTCSizeMax), cfg.TCSizeMax)
	assert.False(t, cfg.UseMapPopulate)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestInitFromEnvReadsMapPopulateAndLogLevel(t *testing.T) {
	t.Setenv("AM_USE_MAP_POPULATE", "yes")
	t.Setenv("AM_LOG_LEVEL", "DEBUG")
	cfg := initFromEnv()
	assert.True(t, cfg.UseMapPopulate)
	assert.Equal(t, "debug", cfg.LogLevel)
}
