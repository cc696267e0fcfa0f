package infra

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONWithServiceField(t *testing.T) {
	entry := NewLogger("debug", "json")
	var buf bytes.Buffer
	entry.Logger.SetOutput(&buf)

	entry.WithField("ride_id", "r1").Info("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["message"])
	assert.Equal(t, serviceName, line["service"])
	assert.Equal(t, "r1", line["ride_id"])
	assert.Equal(t, logrus.DebugLevel, entry.Logger.GetLevel())
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	entry := NewLogger("loud", "text")
	assert.Equal(t, logrus.InfoLevel, entry.Logger.GetLevel())
}
