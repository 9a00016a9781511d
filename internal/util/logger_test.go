package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<img onerror=x>"))
	assert.True(t, ContainsSuspicious("${jndi:ldap}"))
	assert.False(t, ContainsSuspicious("employment check for lease application"))
}
