package database

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	t.Run("unique violation matches both sentinels", func(t *testing.T) {
		err := ClassifyError(fmt.Errorf("insert distinct id: %w", &pq.Error{Code: "23505"}))

		assert.True(t, IsUniqueViolation(err))
		assert.True(t, IsIntegrityViolation(err))

		var pqErr *pq.Error
		assert.True(t, errors.As(err, &pqErr), "driver error must stay reachable")
	})

	t.Run("foreign key violation is integrity only", func(t *testing.T) {
		err := ClassifyError(&pq.Error{Code: "23503"})

		assert.False(t, IsUniqueViolation(err))
		assert.True(t, IsIntegrityViolation(err))
	})

	t.Run("other driver errors pass through", func(t *testing.T) {
		original := &pq.Error{Code: "40001"}
		err := ClassifyError(original)

		assert.Same(t, original, err)
		assert.False(t, IsIntegrityViolation(err))
	})

	t.Run("non driver errors pass through", func(t *testing.T) {
		assert.Equal(t, sql.ErrNoRows, ClassifyError(sql.ErrNoRows))
		assert.Nil(t, ClassifyError(nil))
	})

	t.Run("wrapping keeps classification", func(t *testing.T) {
		err := fmt.Errorf("merge: %w", ClassifyError(&pq.Error{Code: "23505"}))
		assert.True(t, IsUniqueViolation(err))
	})
}

func TestJSONB_Scan(t *testing.T) {
	t.Run("bytes", func(t *testing.T) {
		var v JSONB[map[string]any]
		assert.NoError(t, v.Scan([]byte(`{"plan":"pro"}`)))
		assert.Equal(t, "pro", v.GetValue()["plan"])
	})

	t.Run("null column", func(t *testing.T) {
		v := NewJSONB(map[string]string{"a": "b"})
		assert.NoError(t, v.Scan(nil))
		assert.Nil(t, v.GetValue())
	})

	t.Run("unsupported type", func(t *testing.T) {
		var v JSONB[map[string]any]
		assert.Error(t, v.Scan(42))
	})
}
