package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/review-pulse/internal/domain/model"
)

func TestParseJobListQuery(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{query: "", wantLimit: 20, wantOffset: 0},
		{query: "limit=5&offset=10", wantLimit: 5, wantOffset: 10},
		{query: "limit=0&offset=-3", wantLimit: 1, wantOffset: 0},
		{query: "limit=1000", wantLimit: 100, wantOffset: 0},
		{query: "limit=abc&offset=x", wantLimit: 20, wantOffset: 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/jobs?"+tt.query, nil)
			opts, perr := ParseJobListQuery(r, 20, 100)
			require.Nil(t, perr)
			assert.Equal(t, tt.wantLimit, opts.Limit)
			assert.Equal(t, tt.wantOffset, opts.Offset)
			assert.Nil(t, opts.Status)
		})
	}
}

func TestParseJobListQuery_Status(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/jobs?status=Failed", nil)
	opts, perr := ParseJobListQuery(r, 20, 100)
	require.Nil(t, perr)
	require.NotNil(t, opts.Status)
	assert.Equal(t, model.JobStatusFailed, *opts.Status)

	r = httptest.NewRequest(http.MethodGet, "/api/jobs?status=done", nil)
	_, perr = ParseJobListQuery(r, 20, 100)
	require.NotNil(t, perr)
	assert.Equal(t, http.StatusBadRequest, perr.Code)
	assert.Equal(t, "status", perr.Field)
}
