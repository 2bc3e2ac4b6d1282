package marrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseConnectionString_Defaults(t *testing.T) {
	config, err := ParseConnectionString("./test.db")
	require.NoError(t, err)
	assert.Equal(t, "./test.db", config.Filename)
	assert.Equal(t, "warn", config.LogLevel)
	assert.False(t, config.ReadOnly)
	assert.False(t, config.Upgrade)
	assert.False(t, config.AutoRebuild)
	assert.Zero(t, config.InitialSize)
	assert.Zero(t, config.MaxCachedPages)
}

func TestParseConnectionString_Memory(t *testing.T) {
	config, err := ParseConnectionString(":memory:")
	require.NoError(t, err)
	assert.Equal(t, ":memory:", config.Filename)
}

func TestParseConnectionString_AllParameters(t *testing.T) {
	config, err := ParseConnectionString(
		"./app.db?password=s3cret&read_only=true&upgrade=true&collation=en-US/IgnoreCase&initial_size=65536&auto_rebuild=true&log_level=debug&max_cached_pages=512")
	require.NoError(t, err)
	assert.Equal(t, "./app.db", config.Filename)
	assert.Equal(t, "s3cret", config.Password)
	assert.True(t, config.ReadOnly)
	assert.True(t, config.Upgrade)
	assert.Equal(t, "en-US/IgnoreCase", config.Collation)
	assert.Equal(t, int64(65536), config.InitialSize)
	assert.True(t, config.AutoRebuild)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, 512, config.MaxCachedPages)
}

func TestParseConnectionString_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		connStr string
	}{
		{"empty", ""},
		{"bad read_only", "./a.db?read_only=maybe"},
		{"bad initial_size", "./a.db?initial_size=-5"},
		{"bad log_level", "./a.db?log_level=verbose"},
		{"bad max_cached_pages", "./a.db?max_cached_pages=lots"},
		{"bad query escape", "./a.db?%zz=1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConnectionString(tc.connStr)
			assert.Error(t, err)
		})
	}
}

func TestConnectionConfig_GetZapLevel(t *testing.T) {
	for level, want := range map[string]zap.AtomicLevel{
		"debug": zap.NewAtomicLevelAt(zap.DebugLevel),
		"info":  zap.NewAtomicLevelAt(zap.InfoLevel),
		"warn":  zap.NewAtomicLevelAt(zap.WarnLevel),
		"error": zap.NewAtomicLevelAt(zap.ErrorLevel),
	} {
		config := &ConnectionConfig{LogLevel: level}
		assert.Equal(t, want.Level(), config.GetZapLevel().Level())
	}
}

func TestConnectionConfig_EngineOptions(t *testing.T) {
	config, err := ParseConnectionString("./a.db?collation=de-DE/IgnoreCase&read_only=true")
	require.NoError(t, err)
	opts, err := config.engineOptions(zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "./a.db", opts.Filename)
	assert.True(t, opts.ReadOnly)
	require.NotNil(t, opts.Collation)
	assert.Equal(t, "de-DE", opts.Collation.Culture)

	config.Collation = "xx/Nonsense"
	_, err = config.engineOptions(zap.NewNop())
	assert.Error(t, err)
}
