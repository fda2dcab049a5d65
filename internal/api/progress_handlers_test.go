package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/storage/memory"
	"github.com/JakeFAU/scrape-workspace/internal/store"
)

func TestRunHandlerListRuns(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	ctx := context.Background()
	done := uuid.New()
	require.NoError(t, repo.StartRun(ctx, done, "compress_all", time.Now().Add(-time.Hour)))
	require.NoError(t, repo.FinishRun(ctx, done, time.Now(), store.RunSuccess, nil))
	require.NoError(t, repo.StartRun(ctx, uuid.New(), "recalculate_tokens", time.Now()))
	handler := NewRunHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=success&limit=10", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []store.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, done, body.Runs[0].ID)
}

func TestRunHandlerListRunsRejectsFilters(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(memory.NewRunStore(), zap.NewNop())
	for _, query := range []string{"?status=bogus", "?limit=0", "?offset=-1", "?limit=abc"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs"+query, nil)
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestRunHandlerGetRun(t *testing.T) {
	t.Parallel()

	repo := memory.NewRunStore()
	id := uuid.New()
	require.NoError(t, repo.StartRun(context.Background(), id, "scrape", time.Now()))
	handler := NewRunHandler(repo, zap.NewNop())

	tests := []struct {
		name string
		id   string
		want int
	}{
		{name: "found", id: id.String(), want: http.StatusOK},
		{name: "missing", id: uuid.NewString(), want: http.StatusNotFound},
		{name: "malformed", id: "not-a-uuid", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+tt.id, nil), tt.id)
			rec := httptest.NewRecorder()
			handler.GetRun(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRunHandlerRepositoryErrors(t *testing.T) {
	t.Parallel()

	unavailable := NewRunHandler(nil, nil)
	rec := httptest.NewRecorder()
	unavailable.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	broken := NewRunHandler(&failingRuns{}, zap.NewNop())
	rec = httptest.NewRecorder()
	broken.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type failingRuns struct {
	store.RunRepository
}

func (failingRuns) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return nil, errors.New("connection refused")
}

func withRunIDParam(r *http.Request, id string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("run_id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
