// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package statistics

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"flowsentry.dev/core/internal/model"
)

func TestRecordUpdatesAllWindows(t *testing.T) {
	tr, err := New("")
	require.NoError(t, err)

	tr.Record(model.SeverityHigh, "SqlInjection", "10.0.0.1")
	tr.Record(model.SeverityMedium, "DDoS-SYN_Flood", "10.0.0.2")

	for _, w := range []WindowName{WindowHour, WindowDay, WindowWeek, WindowAll} {
		snap, _ := tr.Query(w)
		require.Equal(t, 2, snap.Total)
	}
}

func TestTopLabelsSortedByCount(t *testing.T) {
	tr, err := New("")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tr.Record(model.SeverityHigh, "SqlInjection", "10.0.0.1")
	}
	tr.Record(model.SeverityMedium, "XSS", "10.0.0.2")

	snap, _ := tr.Query(WindowAll)
	require.Equal(t, "SqlInjection", snap.TopLabels[0].Key)
	require.Equal(t, 3, snap.TopLabels[0].Count)
}

func TestSaveAndReloadPreservesAllTimeWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")

	tr1, err := New(path)
	require.NoError(t, err)
	tr1.Record(model.SeverityHigh, "SqlInjection", "10.0.0.1")
	require.NoError(t, tr1.Save())

	tr2, err := New(path)
	require.NoError(t, err)
	snap, _ := tr2.Query(WindowAll)
	require.Equal(t, 1, snap.Total)
}

func TestBySeverityCounts(t *testing.T) {
	tr, err := New("")
	require.NoError(t, err)
	tr.Record(model.SeverityHigh, "SqlInjection", "10.0.0.1")
	tr.Record(model.SeverityHigh, "XSS", "10.0.0.1")
	tr.Record(model.SeverityLow, model.BenignLabel, "10.0.0.1")

	snap, _ := tr.Query(WindowAll)
	require.Equal(t, 2, snap.BySeverity[string(model.SeverityHigh)])
	require.Equal(t, 1, snap.BySeverity[string(model.SeverityLow)])
}
