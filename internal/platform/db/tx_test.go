package db

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert role: %w", &pgconn.PgError{Code: "23505", ConstraintName: "roles_name_key"})
	name, ok := UniqueViolation(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "roles_name_key", name)

	_, ok = UniqueViolation(&pgconn.PgError{Code: "23503"})
	assert.False(t, ok)

	_, ok = UniqueViolation(fmt.Errorf("plain"))
	assert.False(t, ok)
}
