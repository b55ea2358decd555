package config

import (
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envSample struct {
	Name    string        `env:"NAME"`
	Workers uint16        `env:"WORKERS"`
	Ratio   float32       `env:"RATIO"`
	Timeout time.Duration `env:"TIMEOUT"`
	Addr    net.IP        `env:"ADDR"`
	Tags    []string      `env:"TAGS"`
	Nested  struct {
		On bool `env:"ON"`
	} `env:"NESTED"`
	Ignored string
	skipped string `env:"SKIPPED"`
}

func bindFrom(t *testing.T, env map[string]string, dst *envSample) *envBinder {
	t.Helper()
	b := &envBinder{lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}
	b.bind(reflect.ValueOf(dst).Elem(), "APP")
	return b
}

func TestEnvBinder_Kinds(t *testing.T) {
	var s envSample
	b := bindFrom(t, map[string]string{
		"APP_NAME":      "etl",
		"APP_WORKERS":   "12",
		"APP_RATIO":     "0.25",
		"APP_TIMEOUT":   "1m30s",
		"APP_ADDR":      "10.0.0.7",
		"APP_TAGS":      "a,, b ,",
		"APP_NESTED_ON": "true",
		"APP_IGNORED":   "x",
		"APP_SKIPPED":   "x",
	}, &s)
	require.NoError(t, b.err())

	assert.Equal(t, "etl", s.Name)
	assert.Equal(t, uint16(12), s.Workers)
	assert.InDelta(t, 0.25, s.Ratio, 0.0001)
	assert.Equal(t, 90*time.Second, s.Timeout)
	assert.Equal(t, "10.0.0.7", s.Addr.String())
	assert.Equal(t, []string{"a", "b"}, s.Tags)
	assert.True(t, s.Nested.On)
	assert.Empty(t, s.Ignored)
	assert.Empty(t, s.skipped)
	assert.ElementsMatch(t, []string{
		"APP_NAME", "APP_WORKERS", "APP_RATIO", "APP_TIMEOUT", "APP_ADDR", "APP_TAGS", "APP_NESTED_ON",
	}, b.applied)
}

func TestEnvBinder_EmptyValueKeepsDefault(t *testing.T) {
	s := envSample{Name: "default"}
	b := bindFrom(t, map[string]string{"APP_NAME": ""}, &s)
	require.NoError(t, b.err())
	assert.Equal(t, "default", s.Name)
	assert.Empty(t, b.applied)
}

func TestEnvBinder_JoinsErrors(t *testing.T) {
	var s envSample
	b := bindFrom(t, map[string]string{
		"APP_WORKERS": "70000",
		"APP_TIMEOUT": "soon",
		"APP_NAME":    "ok",
	}, &s)

	err := b.err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `APP_WORKERS="70000"`)
	assert.Contains(t, err.Error(), `APP_TIMEOUT="soon"`)
	assert.Equal(t, "ok", s.Name)
	assert.Equal(t, []string{"APP_NAME"}, b.applied)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("DAGFLOW_LOG_LEVEL", "debug")

	l := NewLoader()
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Contains(t, l.EnvOverrides(), "DAGFLOW_LOG_LEVEL")
}
