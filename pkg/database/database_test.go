package database

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "omnichat.db")
	db, err := Open("sqlite", "", path)
	require.NoError(t, err)

	var one int
	require.NoError(t, db.Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
	assert.FileExists(t, path)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", "", "")
	assert.Error(t, err)
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewRedis(mr.Addr(), "", 0)
	require.NoError(t, err)
	defer rdb.Close()

	mr.Close()
	_, err = NewRedis(mr.Addr(), "", 0)
	assert.Error(t, err)
}
