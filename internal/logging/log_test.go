package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	defer func() {
		baseLogger.SetLevel(logrus.InfoLevel)
		baseLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}()

	require.NoError(t, Init("debug", "json"))
	require.Equal(t, logrus.DebugLevel, Base().GetLevel())
	require.IsType(t, &logrus.JSONFormatter{}, Base().Formatter)

	require.Error(t, Init("loud", "text"))
	require.Error(t, Init("info", "xml"))
}

func TestOrBase(t *testing.T) {
	require.Equal(t, Base(), OrBase(nil))
	d := Discard()
	require.Equal(t, d, OrBase(d))
}
