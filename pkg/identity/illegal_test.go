package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDistinctIDIllegal(t *testing.T) {
	tests := []struct {
		id      string
		illegal bool
	}{
		{id: "anonymous", illegal: true},
		{id: "ANONYMOUS", illegal: true},
		{id: "Distinct_Id", illegal: true},
		{id: "True", illegal: true},
		{id: "null", illegal: true},
		{id: "NaN", illegal: true},
		{id: "[object Object]", illegal: true},
		{id: "0", illegal: true},
		{id: "", illegal: true},
		{id: "  \t", illegal: true},
		{id: "NULL", illegal: false},
		{id: "nan", illegal: false},
		{id: "[OBJECT OBJECT]", illegal: false},
		{id: "user@example.com", illegal: false},
		{id: "0190a3c4-5b6d-7e8f-9a0b-1c2d3e4f5a6b", illegal: false},
		{id: "10", illegal: false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.illegal, IsDistinctIDIllegal(tt.id))
		})
	}
}
