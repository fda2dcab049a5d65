package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-workspace/internal/config"
	"github.com/JakeFAU/scrape-workspace/internal/store"
	"github.com/JakeFAU/scrape-workspace/internal/workspace"
)

func loadTestConfig(t *testing.T, root string) config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scrapews.yaml")
	body := "workspace:\n  root: " + root + "\nlogging:\n  development: false\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuildWiresLocalGraph(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "output")
	cfg := loadTestConfig(t, root)
	ctx := context.Background()

	app, err := Build(ctx, cfg, WithRegisterer(prometheus.NewRegistry()), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NotNil(t, app.Manager())
	require.NotNil(t, app.Harvester())
	require.NotNil(t, app.Runs())
	assert.Equal(t, root, app.Config().Workspace.Root)

	mgr := app.Manager()
	require.NoError(t, mgr.CreateProject(ctx, "kominfo"))
	require.NoError(t, mgr.CreateSubproject(ctx, "kominfo", "news"))
	_, err = mgr.RecalculateAllTokens(ctx, "")
	require.NoError(t, err)

	require.NoError(t, app.Close(ctx))

	runs, err := app.Runs().ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	for _, run := range runs {
		assert.NotEqual(t, store.RunRunning, run.Status)
	}
}

func TestBuildRejectsBadArchiveKinds(t *testing.T) {
	t.Parallel()

	cfg := loadTestConfig(t, filepath.Join(t.TempDir(), "output"))
	cfg.Workspace.Kinds = []string{"videos"}

	_, err := Build(context.Background(), cfg, WithRegisterer(prometheus.NewRegistry()), WithLogger(zap.NewNop()))
	require.Error(t, err)
}

func TestBuildLeavesMissingRootUnavailable(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "output")
	cfg := loadTestConfig(t, root)
	ctx := context.Background()

	app, err := Build(ctx, cfg, WithRegisterer(prometheus.NewRegistry()), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(ctx) })
	assert.NoDirExists(t, root)

	_, err = app.Manager().ListTree(ctx)
	require.ErrorIs(t, err, workspace.ErrWorkspaceUnavailable)
	_, err = app.Manager().RecalculateAllTokens(ctx, "")
	require.ErrorIs(t, err, workspace.ErrWorkspaceUnavailable)
}
