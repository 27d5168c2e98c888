package postgres

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://bot:pw@db:5432/probe?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "bot", Password: "pw", Database: "probe"}))
	assert.Equal(t, "postgres://u:p@h:6543/d?sslmode=require",
		DSN(ClientConfig{Host: "h", Port: 6543, User: "u", Password: "p", Database: "d", SSLMode: "require"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	sql, err := migrationsFS.ReadFile("migrations/001_trades.sql")
	require.NoError(t, err)
	assert.Contains(t, string(sql), "probe_trades")
	assert.Contains(t, string(sql), "probe_trade_events")
}
