package common

import (
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseSubspaces(t *testing.T) {
	got, err := ParseSubspaces("1,2; 3;")
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}, {3}}, got)

	_, err = ParseSubspaces("1,x")
	assert.Error(t, err)
}

func TestNodeConfigSpace(t *testing.T) {
	c := &NodeConfig{SpaceName: "kv", Dims: 3, Subspaces: [][]int{{1}, {2}}, Engine: "memory"}
	s := c.Space()
	assert.Equal(t, [][]int{{0}, {1}, {2}}, s.Subspaces)
	require.Len(t, s.Entities, 3)
	assert.EqualValues(t, 2, s.Entities[2].Region.Subspace)

	_, err := c.EngineFactory()
	require.NoError(t, err)
	c.Engine = "sqlite"
	_, err = c.DiskOptions()
	assert.Error(t, err)

	assert.Contains(t, c.String(), "SUBSPACE")
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, logger.WARNING, lvl)

	_, err = ParseLogLevel("loud")
	assert.Error(t, err)
}

func TestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &zapLogger{sugar: zap.New(core).Named("disk").Sugar()}
	l.SetLevel(logger.WARNING)

	l.Infof("hidden %d", 1)
	l.Warningf("shown %d", 2)
	l.Errorf("shown %d", 3)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "shown 2", logs.All()[0].Message)
	assert.Equal(t, "disk", logs.All()[0].LoggerName)
	assert.Panics(t, func() { l.Panicf("boom") })
}
