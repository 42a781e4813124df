// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package baseline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBucketFloorLog2(t *testing.T) {
	require.Equal(t, 0, Bucket(0))
	require.Equal(t, 1, Bucket(1))
	require.Equal(t, 2, Bucket(3))
	require.Equal(t, 3, Bucket(7))
}

func TestObserveDuringLearningNeverSuppresses(t *testing.T) {
	b, err := New(Config{Enabled: true, LearningPeriod: time.Hour, BaselineMinOccurrences: 1})
	require.NoError(t, err)

	fp := FingerprintFor(6, 80, 10, 512)
	for i := 0; i < 5; i++ {
		require.False(t, b.Observe(fp))
	}
	require.True(t, b.Learning())
}

func TestObserveAfterWindowClosesEnforces(t *testing.T) {
	b, err := New(Config{Enabled: true, LearningPeriod: time.Millisecond, BaselineMinOccurrences: 2})
	require.NoError(t, err)

	fp := FingerprintFor(6, 80, 10, 512)
	b.Observe(fp)
	time.Sleep(5 * time.Millisecond)
	// Window closes on this call's elapsed check, recording nothing further.
	b.Observe(fp)
	require.False(t, b.Learning())

	// Unseen fingerprint never matches regardless of window state.
	other := FingerprintFor(17, 53, 1, 64)
	require.False(t, b.Observe(other))
}

func TestSaveAndReloadPreservesElapsedNotExtendedByGap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "baseline.json")

	b, err := New(Config{Enabled: true, LearningPeriod: time.Hour, BaselineMinOccurrences: 1, PersistPath: path})
	require.NoError(t, err)
	fp := FingerprintFor(6, 443, 5, 1400)
	b.Observe(fp)
	require.NoError(t, b.Save())

	// Simulate a restart after a capture gap: reload from disk.
	b2, err := New(Config{Enabled: true, LearningPeriod: time.Hour, BaselineMinOccurrences: 1, PersistPath: path})
	require.NoError(t, err)
	require.True(t, b2.Learning(), "short elapsed time must not have closed the window")
}

func TestDisabledBaselineNeverMatches(t *testing.T) {
	b, err := New(Config{Enabled: false})
	require.NoError(t, err)
	fp := FingerprintFor(6, 80, 10, 512)
	require.False(t, b.Observe(fp))
	require.False(t, b.Learning())
}
