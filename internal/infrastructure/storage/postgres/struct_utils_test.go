package postgres

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type MockBase struct {
	ID      uuid.UUID `db:"id"`
	Version int       `db:"version"`
}

type mockEntity struct {
	MockBase
	Code     string `db:"code"`
	Name     string `db:"name"`
	Internal string `db:"-"`
	Note     string
}

func TestExtractDBColumns_Embedded(t *testing.T) {
	cols := ExtractDBColumns[mockEntity]()
	assert.Equal(t, []string{"id", "version", "code", "name"}, cols)

	// Cached metadata gives the same answer for pointer types.
	assert.Equal(t, cols, ExtractDBColumns[*mockEntity]())
}

func TestExtractDBColumns_AuditRow(t *testing.T) {
	assert.Equal(t, []string{
		"id", "batch_id", "propagation", "outcome", "statement_index", "error",
		"subject", "trace_id", "payload", "payload_compressed", "compression_algo", "created_at",
	}, auditColumns)
}

func TestStructToMap_Embedded(t *testing.T) {
	e := mockEntity{
		MockBase: MockBase{ID: uuid.New(), Version: 5},
		Code:     "TEST",
		Name:     "Test Name",
		Internal: "hidden",
		Note:     "untagged",
	}

	m := StructToMap(&e)

	assert.Len(t, m, 4)
	assert.Equal(t, e.ID, m["id"])
	assert.Equal(t, 5, m["version"])
	assert.Equal(t, "TEST", m["code"])
	assert.Equal(t, "Test Name", m["name"])
}

func TestStructToMap_NonStruct(t *testing.T) {
	assert.Nil(t, StructToMap(42))
	assert.Nil(t, StructToMap((*mockEntity)(nil)))

	now := time.Now()
	assert.Equal(t, now, StructToMap(auditRow{CreatedAt: now})["created_at"])
}
