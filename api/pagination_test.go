package api

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageParams(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"", defaultPageLimit, 0, false},
		{"limit=10&offset=20", 10, 20, false},
		{"limit=5000", maxPageLimit, 0, false},
		{"offset=0", defaultPageLimit, 0, false},
		{"limit=0", 0, 0, true},
		{"limit=-3", 0, 0, true},
		{"limit=ten", 0, 0, true},
		{"offset=-1", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			limit, offset, err := pageParams(q)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestSlicePage(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	got, page := slicePage(items, 2, 0)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, Page{Total: 5, Limit: 2, Offset: 0, HasMore: true}, page)

	got, page = slicePage(items, 2, 4)
	assert.Equal(t, []string{"e"}, got)
	assert.False(t, page.HasMore)

	got, page = slicePage(items, 2, 9)
	assert.Empty(t, got)
	assert.Equal(t, 5, page.Total)
	assert.False(t, page.HasMore)

	got, _ = slicePage([]string(nil), 10, 0)
	assert.Empty(t, got)
}
