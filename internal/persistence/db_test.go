package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenDBDisabledIsNoop(t *testing.T) {
	db, err := OpenDB(DefaultDBConfig())
	require.NoError(t, err)
	require.Nil(t, db)
}

func TestOpenDBEnabledWithoutDSNErrors(t *testing.T) {
	cfg := DefaultDBConfig()
	cfg.Enabled = true
	_, err := OpenDB(cfg)
	require.Error(t, err)
}
