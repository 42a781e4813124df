// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package geoctx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"flowsentry.dev/core/internal/config"
)

func TestNewReturnsNilWhenDisabled(t *testing.T) {
	e, err := New(&config.GeoIPConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestNewReturnsNilForNilConfig(t *testing.T) {
	e, err := New(nil)
	require.NoError(t, err)
	require.Nil(t, e)
}

func TestAnnotateNoOpOnNilEnricher(t *testing.T) {
	var e *Enricher
	got := e.Annotate("suspicious burst", "1.2.3.4", "5.6.7.8")
	require.Equal(t, "suspicious burst", got)
}

func TestAnnotateSkipsPrivateAddresses(t *testing.T) {
	e := &Enricher{}
	got := e.Annotate("ctx", "10.0.0.1", "192.168.1.1")
	require.Equal(t, "ctx", got)
}

func TestASNOfReturnsZeroWithoutDatabase(t *testing.T) {
	var e *Enricher
	require.Equal(t, uint(0), e.ASNOf("1.2.3.4"))

	e2 := &Enricher{}
	require.Equal(t, uint(0), e2.ASNOf("1.2.3.4"))
}

func TestCloseIsNilSafe(t *testing.T) {
	var e *Enricher
	require.NoError(t, e.Close())
}
