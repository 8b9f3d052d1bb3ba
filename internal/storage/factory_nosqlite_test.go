//go:build !sqlite

package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLiteUnavailableWithoutTag(t *testing.T) {
	_, err := NewSink(KindSQLite, t.TempDir(), "results.db")
	require.Error(t, err)
	require.Contains(t, err.Error(), "-tags sqlite")
}
