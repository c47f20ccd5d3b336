package testutil

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedSlogHandler(t *testing.T) {
	logger, handler := NewTestLogger(nil)

	component := logger.With(slog.String("component", "grace"))
	component.Info("Running under grace period", slog.Int("remaining", 10))
	component.WithGroup("verdict").Warn("Verification finished", slog.String("outcome", "error"))
	logger.Error("Grace period exhausted")

	require.Equal(t, 3, handler.Count())
	assert.True(t, handler.ContainsMessage("grace period"))
	assert.True(t, handler.ContainsAttr("component", "grace"))
	assert.True(t, handler.ContainsAttr("remaining", int64(10)))
	assert.True(t, handler.ContainsAttr("verdict.outcome", "error"))
	assert.Len(t, handler.GetRecordsByLevel(slog.LevelError), 1)

	AssertLogContains(t, handler, slog.LevelWarn, "Verification finished")

	handler.Clear()
	assert.Zero(t, handler.Count())
}

type secretHolder struct{ id, secret string }

func (s secretHolder) LogValue() slog.Value {
	return slog.GroupValue(slog.String("id", s.id))
}

func TestAssertNoLogContaining(t *testing.T) {
	logger, handler := NewTestLogger(nil)
	logger.Info("Loaded license", slog.Any("license", secretHolder{id: "L1", secret: "hunter2"}))

	AssertNoLogContaining(t, handler, "hunter2")
}

func TestNewLicense(t *testing.T) {
	lc := NewLicense("L9", WithGrace(60), WithSelfDestruct(false))
	require.NoError(t, lc.Validate())
	assert.Equal(t, int64(60), *lc.GracePeriod)
	assert.False(t, lc.SelfDestructEnabled())
}
