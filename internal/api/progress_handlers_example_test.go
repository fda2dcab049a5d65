package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/storage/memory"
	"github.com/JakeFAU/scrape-workspace/internal/store"
)

// ExampleRunHandler_ListRuns shows how run history is served over HTTP.
func ExampleRunHandler_ListRuns() {
	repo := memory.NewRunStore()
	id := uuid.MustParse("7f1c5a4e-0000-4000-8000-000000000001")
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_ = repo.StartRun(context.Background(), id, "compress_all", started)
	_ = repo.FinishRun(context.Background(), id, started.Add(time.Minute), store.RunSuccess, nil)

	handler := NewRunHandler(repo, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/v1/runs?status=success", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	fmt.Println(rec.Code)
	// Output: 200
}
