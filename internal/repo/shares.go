package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"stormline/internal/domain"
	"stormline/internal/events"
)

// ShareSchemaVersion is the layout version written with every new record.
const ShareSchemaVersion = 2

const createAttempts = 3

// CreateShare persists a snapshot of result under a fresh short id. The
// record and its audit event are written in one transaction.
func (r Repo) CreateShare(ctx context.Context, document string, result domain.AnalysisResult) (domain.ShareRecord, error) {
	if strings.TrimSpace(document) == "" {
		return domain.ShareRecord{}, fmt.Errorf("%w: document is required", ErrInvalid)
	}
	snapshot := result.Normalized()
	cols, err := encodeShare(result)
	if err != nil {
		return domain.ShareRecord{}, storeErr("encode", err)
	}
	createdAt := r.now().UTC().Format(time.RFC3339)

	for attempt := 1; ; attempt++ {
		id, err := r.newID()
		if err != nil {
			return domain.ShareRecord{}, storeErr("generate id", err)
		}
		err = r.insertShare(ctx, id, document, createdAt, cols)
		if err == nil {
			return domain.ShareRecord{
				ID:            id,
				SchemaVersion: ShareSchemaVersion,
				Document:      document,
				Analysis:      snapshot,
				CreatedAt:     createdAt,
			}, nil
		}
		if !isDuplicateID(err) || attempt >= createAttempts {
			return domain.ShareRecord{}, storeErr("create", err)
		}
	}
}

func (r Repo) insertShare(ctx context.Context, id, document, createdAt string, c shareColumns) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO shares(id,schema_version,document,event_storming,mermaid_diagram,discussion,example_mapping,ubiquitous_language,work_tickets,milestones,timeline,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, ShareSchemaVersion, document, c.eventStorming, c.diagram, c.discussion, c.exampleMapping, c.glossary, c.workTickets, c.milestones, c.timeline, createdAt)
	if err != nil {
		return err
	}
	if err := r.writer().Append(ctx, tx, events.TypeShareCreated, "share", id, events.EventPayload{
		"document_bytes": len(document),
		"work_tickets":   c.ticketCount,
	}); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return tx.Commit()
}

func isDuplicateID(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetShare loads a record and marks it accessed. Columns written by older
// layouts come back as empty collections.
func (r Repo) GetShare(ctx context.Context, id string) (domain.ShareRecord, error) {
	accessed := r.now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE shares SET accessed_at=? WHERE id=?`, accessed, id)
	if err != nil {
		return domain.ShareRecord{}, storeErr("touch", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ShareRecord{}, ErrNotFound
	}

	row := r.DB.QueryRowContext(ctx, `SELECT id,schema_version,document,event_storming,mermaid_diagram,discussion,example_mapping,ubiquitous_language,work_tickets,milestones,timeline,created_at,accessed_at FROM shares WHERE id=?`, id)
	var rec domain.ShareRecord
	var c rawColumns
	var accessedAt sql.NullString
	err = row.Scan(&rec.ID, &rec.SchemaVersion, &rec.Document, &c.eventStorming, &c.diagram, &c.discussion, &c.exampleMapping, &c.glossary, &c.workTickets, &c.milestones, &c.timeline, &rec.CreatedAt, &accessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ShareRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ShareRecord{}, storeErr("get", err)
	}
	rec.AccessedAt = accessedAt.String
	analysis, err := c.decode()
	if err != nil {
		return domain.ShareRecord{}, storeErr("decode", err)
	}
	rec.Analysis = analysis
	return rec, nil
}

// ListShares returns summaries of the most recently created records.
func (r Repo) ListShares(ctx context.Context, limit int) ([]domain.ShareSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,document,COALESCE(json_array_length(work_tickets),0),created_at,accessed_at FROM shares ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()
	res := []domain.ShareSummary{}
	for rows.Next() {
		var s domain.ShareSummary
		var doc string
		var accessedAt sql.NullString
		if err := rows.Scan(&s.ID, &doc, &s.Tickets, &s.CreatedAt, &accessedAt); err != nil {
			return nil, storeErr("scan", err)
		}
		s.Title = Title(doc)
		s.AccessedAt = accessedAt.String
		res = append(res, s)
	}
	return res, storeErr("list", rows.Err())
}

// PurgeShares deletes records whose last access (or creation, if never
// accessed) is older than before.
func (r Repo) PurgeShares(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("purge", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE COALESCE(accessed_at, created_at) < ?`, cutoff)
	if err != nil {
		return 0, storeErr("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("purge", err)
	}
	if n > 0 {
		if err := r.writer().Append(ctx, tx, events.TypeSharesPurged, "share", "", events.EventPayload{"count": n, "before": cutoff}); err != nil {
			return 0, storeErr("purge", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("purge", err)
	}
	return n, nil
}

// Title returns the first non-empty line of a document, trimmed of markdown
// heading marks and capped at 80 characters.
func Title(document string) string {
	for _, line := range strings.Split(document, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > 80 {
			runes := []rune(line)
			line = string(runes[:80]) + "…"
		}
		return line
	}
	return ""
}

type shareColumns struct {
	eventStorming  string
	diagram        string
	discussion     string
	exampleMapping string
	glossary       any
	workTickets    any
	milestones     any
	timeline       any
	ticketCount    int
}

func encodeShare(r domain.AnalysisResult) (shareColumns, error) {
	var c shareColumns
	es := r.EventStorming.Normalized()
	c.diagram = es.Diagram
	es.Diagram = ""
	var err error
	if c.eventStorming, err = marshal(es); err != nil {
		return c, err
	}
	if c.discussion, err = marshal(append([]domain.DiscussionEntry{}, r.Discussion...)); err != nil {
		return c, err
	}
	if c.exampleMapping, err = marshal(r.ExampleMapping.Normalized()); err != nil {
		return c, err
	}
	if r.UbiquitousLanguage != nil {
		if c.glossary, err = marshal(r.UbiquitousLanguage); err != nil {
			return c, err
		}
	}
	if r.WorkTickets != nil {
		tickets := make([]domain.WorkTicket, 0, len(r.WorkTickets))
		for _, t := range r.WorkTickets {
			tickets = append(tickets, t.Normalized())
		}
		if c.workTickets, err = marshal(tickets); err != nil {
			return c, err
		}
		c.ticketCount = len(tickets)
	}
	if r.Milestones != nil {
		if c.milestones, err = marshal(r.Milestones); err != nil {
			return c, err
		}
	}
	if r.Timeline != nil {
		if c.timeline, err = marshal(r.Timeline); err != nil {
			return c, err
		}
	}
	return c, nil
}

type rawColumns struct {
	eventStorming  string
	diagram        sql.NullString
	discussion     sql.NullString
	exampleMapping sql.NullString
	glossary       sql.NullString
	workTickets    sql.NullString
	milestones     sql.NullString
	timeline       sql.NullString
}

func (c rawColumns) decode() (domain.AnalysisResult, error) {
	var r domain.AnalysisResult
	if err := json.Unmarshal([]byte(c.eventStorming), &r.EventStorming); err != nil {
		return r, fmt.Errorf("event_storming: %w", err)
	}
	r.EventStorming.Diagram = c.diagram.String
	fields := []struct {
		name string
		col  sql.NullString
		dst  any
	}{
		{"discussion", c.discussion, &r.Discussion},
		{"example_mapping", c.exampleMapping, &r.ExampleMapping},
		{"ubiquitous_language", c.glossary, &r.UbiquitousLanguage},
		{"work_tickets", c.workTickets, &r.WorkTickets},
		{"milestones", c.milestones, &r.Milestones},
		{"timeline", c.timeline, &r.Timeline},
	}
	for _, f := range fields {
		if !f.col.Valid || f.col.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.col.String), f.dst); err != nil {
			return r, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return r.Normalized(), nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
