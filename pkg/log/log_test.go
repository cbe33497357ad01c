package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerCarriesBuildFields(t *testing.T) {
	entry := NewLogger("1.2.3", "abc1234", "2026-07-30")
	assert.Equal(t, "1.2.3", entry.Data["version"])
	assert.Equal(t, "abc1234", entry.Data["commit"])
	assert.Equal(t, "2026-07-30", entry.Data["built"])
	assert.Equal(t, logrus.InfoLevel, entry.Logger.GetLevel())
}

func TestSetDebugTogglesLevel(t *testing.T) {
	entry := NewLogger("", "", "")

	SetDebug(entry, true)
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())

	SetDebug(entry, false)
	assert.Equal(t, logrus.InfoLevel, entry.Logger.GetLevel())
}

func TestDiscardSwallowsOutput(t *testing.T) {
	entry := Discard()
	assert.NotPanics(t, func() {
		entry.Info("this should not reach any real output")
	})
}
