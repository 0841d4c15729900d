package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeConfigAt(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestGovernanceWatcher_AppliesChangedThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfigAt(t, path, "governance:\n  deviation_threshold: 2.0\n", base)

	w := NewGovernanceWatcher(path, DefaultGovernanceConfig(), WithWatcherLogger(zaptest.NewLogger(t)))

	var got []GovernanceConfig
	w.OnChange(func(old, new GovernanceConfig) {
		assert.InDelta(t, 2.0, old.DeviationThreshold, 1e-9)
		got = append(got, new)
	})

	writeConfigAt(t, path, "governance:\n  deviation_threshold: 5.0\n  warning_threshold: 2.5\n", base.Add(time.Minute))
	require.NoError(t, w.Check())

	require.Len(t, got, 1)
	assert.InDelta(t, 5.0, got[0].DeviationThreshold, 1e-9)
	assert.InDelta(t, 2.5, w.Current().WarningThreshold, 1e-9)
}

func TestGovernanceWatcher_IgnoresUnchangedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfigAt(t, path, "server:\n  http_port: 8080\n", base)

	w := NewGovernanceWatcher(path, DefaultGovernanceConfig())
	calls := 0
	w.OnChange(func(_, _ GovernanceConfig) { calls++ })

	require.NoError(t, w.Check())

	// 只有非治理段变化
	writeConfigAt(t, path, "server:\n  http_port: 9090\n", base.Add(time.Minute))
	require.NoError(t, w.Check())
	assert.Zero(t, calls)
}

func TestGovernanceWatcher_RejectsInvalidThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour)
	writeConfigAt(t, path, "governance:\n  deviation_threshold: 2.0\n", base)

	w := NewGovernanceWatcher(path, DefaultGovernanceConfig())
	calls := 0
	w.OnChange(func(_, _ GovernanceConfig) { calls++ })

	writeConfigAt(t, path, "governance:\n  deviation_threshold: 0.5\n  warning_threshold: 1.0\n", base.Add(time.Minute))
	assert.Error(t, w.Check())
	assert.Zero(t, calls)
	assert.InDelta(t, 2.0, w.Current().DeviationThreshold, 1e-9)
}
