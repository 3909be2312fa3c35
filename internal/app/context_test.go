package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stormline/internal/config"
	"stormline/internal/domain"
)

func simulateConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderSimulate
	cfg.LLM.SimulateDelay = 0
	cfg.Share.RetentionDays = 30
	return cfg
}

func TestOpenAndAnalyze(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	a, err := Open(ctx, t.TempDir(), simulateConfig(), &logs)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.WithPipeline(ctx))
	require.NotNil(t, a.Registry)

	res, err := a.Engine.Analyze(ctx, domain.AnalysisRequest{Document: "doc"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.WorkTickets)
	require.Contains(t, logs.String(), "pipeline ready")

	sc := a.ServerConfig()
	require.Equal(t, "/api", sc.BasePath)
	require.NotNil(t, a.MCPHandlers())
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, t.TempDir(), simulateConfig(), &bytes.Buffer{})
	require.NoError(t, err)
	defer a.Close()

	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a.Repo.Now = func() time.Time { return created }
	_, err = a.Repo.CreateShare(ctx, "doc", domain.AnalysisResult{})
	require.NoError(t, err)

	n, err := a.PurgeExpired(ctx, created.Add(10*24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = a.PurgeExpired(ctx, created.Add(31*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	a.Config.Share.RetentionDays = 0
	n, err = a.PurgeExpired(ctx, created.Add(1000*24*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}
