package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"stormline/internal/config"
	"stormline/internal/diagram"
	"stormline/internal/domain"
	"stormline/internal/events"
	"stormline/internal/logging"
	"stormline/internal/progress"
)

var (
	ErrEmptyDocument    = errors.New("document is required")
	ErrDocumentTooLarge = errors.New("document too large")
	ErrGeneration       = errors.New("generation failed")
	ErrNoGenerator      = errors.New("generator not configured")
)

// FailureMessage is the only text subscribers and HTTP callers see when a
// run fails.
const FailureMessage = "분석 중 오류가 발생했습니다."

// GenerationError reports the phase whose generator call failed.
type GenerationError struct {
	Phase string
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// IsInputError reports whether err was caused by the request itself.
func IsInputError(err error) bool {
	return errors.Is(err, ErrEmptyDocument) || errors.Is(err, ErrDocumentTooLarge)
}

type Engine struct {
	Generator domain.Generator
	Events    events.Writer
	Logger    *slog.Logger
	Config    config.PipelineConfig
	Now       func() time.Time
}

func New(db *sql.DB, gen domain.Generator, cfg config.PipelineConfig, logger *slog.Logger) Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	return Engine{
		Generator: gen,
		Events:    events.Writer{DB: db},
		Logger:    logger,
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newRunID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

type step struct {
	phase   string
	running string
	done    string
}

var (
	coreSteps = []step{
		{domain.PhaseEventStorming, "Event Storming 분석 중...", "Event Storming 분석 완료"},
		{domain.PhaseDiagram, "Mermaid 다이어그램 생성 중...", "Mermaid 다이어그램 생성 완료"},
		{domain.PhaseDiscussion, "가상 협업자 토론 생성 중...", "가상 협업자 토론 생성 완료"},
		{domain.PhaseExampleMapping, "Example Mapping 생성 중...", "Example Mapping 생성 완료"},
	}
	extendedSteps = []step{
		{domain.PhaseUbiquitousLanguage, "유비쿼터스 언어 정리 중...", "유비쿼터스 언어 정리 완료"},
		{domain.PhaseWorkTickets, "작업 티켓 생성 중...", "작업 티켓 생성 완료"},
	}
)

// Steps returns the ordered steps a run executes.
func (e Engine) Steps() []string {
	var phases []string
	for _, s := range e.plan() {
		phases = append(phases, s.phase)
	}
	return phases
}

func (e Engine) plan() []step {
	steps := append([]step{}, coreSteps...)
	if e.Config.Extended {
		steps = append(steps, extendedSteps...)
	}
	return steps
}

func (e Engine) validate(req domain.AnalysisRequest) error {
	if strings.TrimSpace(req.Document) == "" {
		return ErrEmptyDocument
	}
	if limit := e.Config.MaxDocumentBytes; limit > 0 && len(req.Document) > limit {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrDocumentTooLarge, len(req.Document), limit)
	}
	return nil
}

// run carries the partial artifacts of one analysis between steps.
type run struct {
	id       string
	doc      string
	es       domain.EventStorming
	disc     []domain.DiscussionEntry
	mapping  domain.ExampleMapping
	glossary []domain.GlossaryEntry
	plan     *domain.WorkPlan
}

// Analyze runs the pipeline for one document. Input errors are returned
// before any step starts and leave the reporter untouched. Otherwise the
// reporter receives exactly one terminal notification.
func (e Engine) Analyze(ctx context.Context, req domain.AnalysisRequest, reporter progress.Reporter) (domain.AnalysisResult, error) {
	if reporter == nil {
		reporter = progress.Discard
	}
	if err := e.validate(req); err != nil {
		return domain.AnalysisResult{}, err
	}
	if e.Generator == nil {
		e.Logger.Error("analysis rejected", "err", ErrNoGenerator)
		reporter.Fail(errors.New(FailureMessage))
		return domain.AnalysisResult{}, ErrNoGenerator
	}
	if e.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config.Timeout)
		defer cancel()
	}

	started := e.now()
	r := &run{id: newRunID(started), doc: req.Document}
	logger := logging.FromContext(ctx, e.Logger).With("run_id", r.id, "session_id", req.SessionID)
	steps := e.plan()
	total := len(steps)

	reporter.Publish(progress.Progress{Step: 0, TotalSteps: total, Description: "분석을 시작합니다...", Phase: domain.PhaseInitializing})
	for i, s := range steps {
		reporter.Publish(progress.Progress{Step: i + 1, TotalSteps: total, Description: s.running, Phase: s.phase})
		if err := e.exec(ctx, logger, s.phase, r); err != nil {
			gerr := &GenerationError{Phase: s.phase, Err: err}
			logger.Error("analysis failed", "phase", s.phase, "err", err, "elapsed", e.now().Sub(started))
			e.record(ctx, logger, events.TypeAnalysisFailed, r.id, events.EventPayload{"phase": s.phase, "session_id": req.SessionID})
			reporter.Fail(errors.New(FailureMessage))
			return domain.AnalysisResult{}, gerr
		}
		reporter.Publish(progress.Progress{Step: i + 1, TotalSteps: total, Description: s.done, Phase: s.phase})
	}

	res := r.result(e.Config.Extended)
	logger.Info("analysis completed", "steps", total, "elapsed", e.now().Sub(started))
	e.record(ctx, logger, events.TypeAnalysisCompleted, r.id, events.EventPayload{
		"session_id": req.SessionID,
		"steps":      total,
		"events":     len(res.EventStorming.Events),
	})
	reporter.Complete()
	return res, nil
}

func (e Engine) exec(ctx context.Context, logger *slog.Logger, phase string, r *run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g := e.Generator
	var err error
	switch phase {
	case domain.PhaseEventStorming:
		r.es, err = g.EventStorming(ctx, r.doc)
	case domain.PhaseDiagram:
		r.es.Diagram = e.diagram(ctx, logger, r.es)
	case domain.PhaseDiscussion:
		r.disc, err = g.Discussion(ctx, r.es)
	case domain.PhaseExampleMapping:
		r.mapping, err = g.ExampleMapping(ctx, r.es, r.disc)
	case domain.PhaseUbiquitousLanguage:
		r.glossary, err = g.UbiquitousLanguage(ctx, r.es, r.disc, r.mapping)
	case domain.PhaseWorkTickets:
		var plan domain.WorkPlan
		plan, err = g.WorkPlan(ctx, r.es, r.mapping, r.glossary)
		if err == nil {
			r.plan = &plan
		}
	default:
		err = fmt.Errorf("unknown phase %q", phase)
	}
	return err
}

// diagram never fails the run; a generator error or blank diagram falls back
// to one derived from the model.
func (e Engine) diagram(ctx context.Context, logger *slog.Logger, es domain.EventStorming) string {
	text, err := e.Generator.Diagram(ctx, es)
	if err == nil && strings.TrimSpace(text) != "" {
		return text
	}
	if err == nil {
		err = errors.New("empty diagram")
	}
	logger.Warn("diagram generation degraded, using fallback", "err", err)
	return diagram.Fallback(es)
}

func (r *run) result(extended bool) domain.AnalysisResult {
	res := domain.AnalysisResult{
		EventStorming:  r.es,
		Discussion:     r.disc,
		ExampleMapping: r.mapping,
	}
	if !extended {
		n := res.Normalized()
		n.UbiquitousLanguage = nil
		n.WorkTickets = nil
		n.Milestones = nil
		n.Timeline = nil
		return n
	}
	res.UbiquitousLanguage = r.glossary
	if r.plan != nil {
		res.WorkTickets = r.plan.WorkTickets
		res.Milestones = r.plan.Milestones
		tl := r.plan.Timeline
		res.Timeline = &tl
	}
	return res.Normalized()
}

func (e Engine) record(ctx context.Context, logger *slog.Logger, evtType, runID string, payload events.EventPayload) {
	// detached from ctx so a timed-out run is still audited
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.Events.Record(rctx, evtType, "analysis", runID, payload); err != nil {
		logger.Warn("audit event not recorded", "type", evtType, "err", err)
	}
}
