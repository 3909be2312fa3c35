package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stormline/internal/db"
	"stormline/internal/domain"
	"stormline/internal/events"
	"stormline/internal/migrate"
	"stormline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	r := repo.New(conn)
	r.Now = func() time.Time { return now }
	return r, &now
}

func sampleResult() domain.AnalysisResult {
	return domain.AnalysisResult{
		EventStorming: domain.EventStorming{
			Events:   []string{"OrderPlaced"},
			Commands: []string{"PlaceOrder"},
			Actors:   []string{"Customer"},
			Flow:     []domain.FlowEdge{{From: "Customer", To: "PlaceOrder", Type: domain.FlowTriggers}},
			Diagram:  "flowchart LR\n",
		},
		Discussion:     []domain.DiscussionEntry{{Author: "Developer", Content: "What about refunds?"}},
		ExampleMapping: domain.ExampleMapping{Rules: []string{"Orders need stock"}},
	}
}

func TestCreateAndGetShare(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()

	rec, err := r.CreateShare(ctx, "# Shop\nSell things", sampleResult())
	require.NoError(t, err)
	require.Len(t, rec.ID, 8)
	require.Equal(t, repo.ShareSchemaVersion, rec.SchemaVersion)

	got, err := r.GetShare(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "# Shop\nSell things", got.Document)
	require.Equal(t, "flowchart LR\n", got.Analysis.EventStorming.Diagram)
	require.Equal(t, []string{"OrderPlaced"}, got.Analysis.EventStorming.Events)
	require.Equal(t, []string{}, got.Analysis.EventStorming.Policies)
	require.Equal(t, domain.FlowTriggers, got.Analysis.EventStorming.Flow[0].Type)
	require.Equal(t, "What about refunds?", got.Analysis.Discussion[0].Content)
	require.Equal(t, []domain.GlossaryEntry{}, got.Analysis.UbiquitousLanguage)
	require.Equal(t, []domain.WorkTicket{}, got.Analysis.WorkTickets)
	require.NotNil(t, got.Analysis.Timeline)
	require.Equal(t, "2025-03-01T09:00:00Z", got.AccessedAt)
}

func TestCreateShareRejectsEmptyDocument(t *testing.T) {
	r, _ := newRepo(t)
	_, err := r.CreateShare(context.Background(), "  \n", sampleResult())
	require.ErrorIs(t, err, repo.ErrInvalid)
}

func TestGetShareNotFound(t *testing.T) {
	r, _ := newRepo(t)
	_, err := r.GetShare(context.Background(), "missing1")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCreateShareRetriesOnCollision(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	ids := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	r.NewID = func() (string, error) {
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}
	first, err := r.CreateShare(ctx, "doc one", sampleResult())
	require.NoError(t, err)
	require.Equal(t, "AAAAAAAA", first.ID)

	second, err := r.CreateShare(ctx, "doc two", sampleResult())
	require.NoError(t, err)
	require.Equal(t, "BBBBBBBB", second.ID)
}

func TestCreateShareGivesUpAfterRepeatedCollisions(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	r.NewID = func() (string, error) { return "SAMEIDXX", nil }
	_, err := r.CreateShare(ctx, "doc", sampleResult())
	require.NoError(t, err)

	_, err = r.CreateShare(ctx, "doc", sampleResult())
	var se *repo.StoreError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "create", se.Op)
}

func TestExtendedArtifactsRoundTrip(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	res := sampleResult()
	res.UbiquitousLanguage = []domain.GlossaryEntry{{BoundedContext: "Ordering", EnglishName: "Order", KoreanName: "주문"}}
	res.WorkTickets = []domain.WorkTicket{{
		ID: "TASK-001", Title: "Order API", Type: domain.TicketFeature, Priority: domain.PriorityHigh,
		EstimatedHours: 8, Sprint: 1, StartDate: "2025-03-03", EndDate: "2025-03-04",
	}}
	res.Milestones = []domain.Milestone{{ID: "M1", Title: "MVP", Date: "2025-03-14"}}
	res.Timeline = &domain.Timeline{TotalDays: 14, Sprints: []domain.Sprint{{Number: 1, StartDate: "2025-03-03", EndDate: "2025-03-14"}}}

	rec, err := r.CreateShare(ctx, "doc", res)
	require.NoError(t, err)
	got, err := r.GetShare(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "주문", got.Analysis.UbiquitousLanguage[0].KoreanName)
	require.Equal(t, "TASK-001", got.Analysis.WorkTickets[0].ID)
	require.Equal(t, []string{}, got.Analysis.WorkTickets[0].Dependencies)
	require.Equal(t, 14, got.Analysis.Timeline.TotalDays)

	list, err := r.ListShares(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 1, list[0].Tickets)
	require.Equal(t, "doc", list[0].Title)
}

func TestPurgeSharesUsesLastAccess(t *testing.T) {
	r, now := newRepo(t)
	ctx := context.Background()

	stale, err := r.CreateShare(ctx, "stale", sampleResult())
	require.NoError(t, err)
	kept, err := r.CreateShare(ctx, "kept", sampleResult())
	require.NoError(t, err)

	*now = now.Add(100 * 24 * time.Hour)
	_, err = r.GetShare(ctx, kept.ID)
	require.NoError(t, err)

	*now = now.Add(100 * 24 * time.Hour)
	n, err := r.PurgeShares(ctx, now.Add(-180*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = r.GetShare(ctx, stale.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	_, err = r.GetShare(ctx, kept.ID)
	require.NoError(t, err)

	evts, err := r.LatestEvents(ctx, 5, events.TypeSharesPurged)
	require.NoError(t, err)
	require.Len(t, evts, 1)
}

func TestTitle(t *testing.T) {
	require.Equal(t, "Shop", repo.Title("\n\n## Shop \nbody"))
	require.Equal(t, "", repo.Title("   "))
}
