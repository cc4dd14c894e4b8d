package postgres

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationNamesOrdered(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"001_bill_events.sql",
		"002_bills.sql",
		"003_outbox.sql",
		"004_inbox.sql",
	}, names)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	names, err := MigrationNames()
	require.NoError(t, err)
	for _, name := range names {
		data, err := fs.ReadFile(migrations, "migrations/"+name)
		require.NoError(t, err)
		sql := string(data)
		for _, stmt := range []string{"CREATE TABLE ", "CREATE INDEX "} {
			if strings.Contains(sql, stmt) {
				assert.Contains(t, sql, stmt+"IF NOT EXISTS", name)
			}
		}
	}
}
