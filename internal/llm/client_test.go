package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stormline/internal/config"
	"stormline/internal/domain"
	"stormline/internal/logging"
)

type scriptedReply struct {
	text string
	err  error
}

type scriptedCompleter struct {
	mu      sync.Mutex
	replies []scriptedReply
	prompts []Prompt
}

func (s *scriptedCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, p)
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.text, r.err
}

func newTestClient(replies ...scriptedReply) (*Client, *scriptedCompleter) {
	sc := &scriptedCompleter{replies: replies}
	cfg := config.Default().LLM
	cfg.RetryDelay = 0
	c := NewClient(sc, cfg, logging.Discard())
	c.Now = func() time.Time { return time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) }
	return c, sc
}

func TestEventStormingParsesAndNormalizesKinds(t *testing.T) {
	c, sc := newTestClient(scriptedReply{text: "```json\n" + `{"events":["주문됨"],"commands":["주문하기"],"actors":["고객"],"policies":[],"aggregates":["주문"],"flow":[{"from":"고객","to":"주문하기","type":"executes"}]}` + "\n```"})
	es, err := c.EventStorming(context.Background(), "PRD")
	require.NoError(t, err)
	require.Equal(t, []string{"주문됨"}, es.Events)
	require.Equal(t, domain.FlowOther, es.Flow[0].Type)
	require.NotNil(t, es.Policies)
	require.Contains(t, sc.prompts[0].User, "PRD")
	require.Contains(t, sc.prompts[0].System, "Korean")
}

func TestMalformedReplyIsError(t *testing.T) {
	c, _ := newTestClient(scriptedReply{text: "Sure! Here is your model."})
	_, err := c.EventStorming(context.Background(), "PRD")
	require.Error(t, err)

	c, _ = newTestClient(scriptedReply{text: `{"events":"not a list"}`})
	_, err = c.EventStorming(context.Background(), "PRD")
	require.Error(t, err)

	c, _ = newTestClient(scriptedReply{text: `{"discussion":[{"author":"PO"}]}`})
	_, err = c.Discussion(context.Background(), domain.EventStorming{})
	require.Error(t, err)
}

func TestTransientErrorsAreRetried(t *testing.T) {
	c, sc := newTestClient(
		scriptedReply{err: transient(errors.New("503"))},
		scriptedReply{err: transient(errors.New("429"))},
		scriptedReply{text: `{"diagram":"flowchart LR\n A1((x))"}`},
	)
	d, err := c.Diagram(context.Background(), domain.EventStorming{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(d, "flowchart LR"))
	require.Len(t, sc.prompts, 3)
}

func TestRetriesAreBounded(t *testing.T) {
	c, sc := newTestClient(
		scriptedReply{err: transient(errors.New("503"))},
		scriptedReply{err: transient(errors.New("503"))},
		scriptedReply{err: transient(errors.New("503"))},
		scriptedReply{text: `{"diagram":"never reached"}`},
	)
	_, err := c.Diagram(context.Background(), domain.EventStorming{})
	require.Error(t, err)
	require.Len(t, sc.prompts, 3)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	c, sc := newTestClient(scriptedReply{err: errors.New("400 bad request")}, scriptedReply{text: `{}`})
	_, err := c.ExampleMapping(context.Background(), domain.EventStorming{}, nil)
	require.Error(t, err)
	require.Len(t, sc.prompts, 1)
}

func TestEmptyDiagramIsError(t *testing.T) {
	c, _ := newTestClient(scriptedReply{text: `{"diagram":"  "}`})
	_, err := c.Diagram(context.Background(), domain.EventStorming{})
	require.ErrorIs(t, err, ErrEmptyDiagram)
}

func TestWorkPlanValidated(t *testing.T) {
	bad := `{"workTickets":[{"id":"TASK-001","title":"x","type":"feature","priority":"high","estimatedHours":0,"sprint":1,"startDate":"2026-01-05","endDate":"2026-01-06"}],"milestones":[],"timeline":{"totalDays":10,"sprints":[]}}`
	c, sc := newTestClient(scriptedReply{text: bad})
	_, err := c.WorkPlan(context.Background(), domain.EventStorming{}, domain.ExampleMapping{}, nil)
	require.Error(t, err)
	require.Contains(t, sc.prompts[0].User, "Today is 2026-01-05")

	good := `{"workTickets":[{"id":"TASK-001","title":"x","type":"task","priority":"low","estimatedHours":2.5,"sprint":1,"startDate":"2026-01-05","endDate":"2026-01-05","dependencies":["TASK-404"]}],"milestones":[{"id":"M1","title":"MVP","date":"2026-01-19","description":""}],"timeline":{"totalDays":14,"sprints":[{"number":1,"startDate":"2026-01-05","endDate":"2026-01-18","goal":"core"}]}}`
	c, _ = newTestClient(scriptedReply{text: good})
	plan, err := c.WorkPlan(context.Background(), domain.EventStorming{}, domain.ExampleMapping{}, nil)
	require.NoError(t, err)
	require.Len(t, plan.WorkTickets, 1)
	require.NotNil(t, plan.WorkTickets[0].Tags)
}

func TestSimulatorHonorsCancellationAndFailPhase(t *testing.T) {
	sim := &Simulator{Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sim.EventStorming(ctx, "doc")
	require.ErrorIs(t, err, context.Canceled)

	sim = &Simulator{FailPhase: domain.PhaseDiscussion}
	_, err = sim.Discussion(context.Background(), domain.EventStorming{})
	require.Error(t, err)

	plan, err := sim.WorkPlan(context.Background(), domain.EventStorming{}, domain.ExampleMapping{}, nil)
	require.NoError(t, err)
	require.NoError(t, plan.Validate())
}

func TestNewSelectsProvider(t *testing.T) {
	cfg := config.Default().LLM
	cfg.Provider = config.ProviderSimulate
	gen, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &Simulator{}, gen)

	cfg.Provider = config.ProviderOpenAI
	cfg.APIKeyEnv = "STORMLINE_TEST_MISSING_KEY"
	_, err = New(context.Background(), cfg, nil)
	require.Error(t, err)
}
