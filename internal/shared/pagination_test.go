package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPagination(t *testing.T) {
	cases := []struct {
		name                  string
		page, perPage, total  int
		wantPage, wantPer     int
		wantPages, wantOffset int
	}{
		{name: "defaults", page: 0, perPage: 0, total: 45, wantPage: 1, wantPer: 20, wantPages: 3, wantOffset: 0},
		{name: "middle", page: 2, perPage: 20, total: 45, wantPage: 2, wantPer: 20, wantPages: 3, wantOffset: 20},
		{name: "clamped to last page", page: 9, perPage: 20, total: 45, wantPage: 3, wantPer: 20, wantPages: 3, wantOffset: 40},
		{name: "empty listing", page: 4, perPage: 10, total: 0, wantPage: 4, wantPer: 10, wantPages: 0, wantOffset: 30},
		{name: "per page capped", page: 1, perPage: 1000, total: 250, wantPage: 1, wantPer: MaxPerPage, wantPages: 3, wantOffset: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPagination(tc.page, tc.perPage, tc.total)
			assert.Equal(t, tc.wantPage, p.Page)
			assert.Equal(t, tc.wantPer, p.PerPage)
			assert.Equal(t, tc.wantPages, p.TotalPages)
			assert.Equal(t, tc.wantOffset, p.Offset())
		})
	}
}

func TestPaginationNeighbours(t *testing.T) {
	first := NewPagination(1, 10, 25)
	assert.False(t, first.HasPrev())
	assert.True(t, first.HasNext())

	last := NewPagination(3, 10, 25)
	assert.True(t, last.HasPrev())
	assert.False(t, last.HasNext())
}
