package migration

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpStatementsAreOrdered(t *testing.T) {
	statements, err := UpStatements()
	require.NoError(t, err)
	require.NotEmpty(t, statements)

	assert.True(t, strings.HasPrefix(statements[0], "CREATE TABLE IF NOT EXISTS payments"))

	var sawOutbox bool
	for _, stmt := range statements {
		if strings.Contains(stmt, "payment_outbox (") && strings.HasPrefix(stmt, "CREATE TABLE") {
			sawOutbox = true
		}
	}
	assert.True(t, sawOutbox, "expected outbox table statement")
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	assert.Error(t, RunMigrations(nil))
}
