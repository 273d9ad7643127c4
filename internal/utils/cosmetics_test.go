package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelTag(t *testing.T) {
	assert.Equal(t, "[INFO]: ", LevelTag("INFO", ""))
	assert.Equal(t, "\033[31m[ERROR]: \033[0m", LevelTag("ERROR", Red))
}

func TestColorEnabled(t *testing.T) {
	t.Setenv("TERM", "xterm")
	t.Setenv("NO_COLOR", "")
	assert.True(t, ColorEnabled())

	t.Setenv("NO_COLOR", "1")
	assert.False(t, ColorEnabled())

	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "dumb")
	assert.False(t, ColorEnabled())
}
