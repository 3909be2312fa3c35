package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"stormline/internal/domain"
	"stormline/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
	// NewID generates share ids; defaults to an 8 character nanoid.
	NewID func() (string, error)
}

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid share")
)

// StoreError wraps a persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("share store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// New returns a Repo whose audit writer shares the same DB.
func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{DB: db}}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) newID() (string, error) {
	if r.NewID != nil {
		return r.NewID()
	}
	return gonanoid.New(8)
}

func (r Repo) writer() events.Writer {
	w := r.Events
	if w.DB == nil {
		w.DB = r.DB
	}
	if w.Now == nil {
		w.Now = r.now
	}
	return w
}

// LatestEvents returns the newest events first, optionally filtered by type.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, storeErr("scan event", err)
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, storeErr("list events", rows.Err())
}
