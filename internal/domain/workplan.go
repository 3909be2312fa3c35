package domain

import (
	"fmt"
	"time"
)

const DateLayout = "2006-01-02"

type TicketKind string

const (
	TicketFeature     TicketKind = "feature"
	TicketBug         TicketKind = "bug"
	TicketImprovement TicketKind = "improvement"
	TicketTask        TicketKind = "task"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

type WorkTicket struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Type               TicketKind `json:"type" enum:"feature,bug,improvement,task"`
	Priority           Priority   `json:"priority" enum:"high,medium,low"`
	EstimatedHours     float64    `json:"estimatedHours"`
	Dependencies       []string   `json:"dependencies"`
	Assignee           string     `json:"assignee"`
	Sprint             int        `json:"sprint"`
	StartDate          string     `json:"startDate" format:"date"`
	EndDate            string     `json:"endDate" format:"date"`
	Tags               []string   `json:"tags"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria"`
}

type Milestone struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Date        string `json:"date" format:"date"`
	Description string `json:"description"`
}

type Sprint struct {
	Number    int    `json:"number"`
	StartDate string `json:"startDate" format:"date"`
	EndDate   string `json:"endDate" format:"date"`
	Goal      string `json:"goal"`
}

type Timeline struct {
	TotalDays int      `json:"totalDays"`
	Sprints   []Sprint `json:"sprints"`
}

// WorkPlan is the combined output of the work-ticket step.
type WorkPlan struct {
	WorkTickets []WorkTicket `json:"workTickets"`
	Milestones  []Milestone  `json:"milestones"`
	Timeline    Timeline     `json:"timeline"`
}

// Validate checks ticket enums, positive estimates and sprints, date order
// and id uniqueness. Dependencies are free-form and not resolved. Milestones
// and the timeline are kept as generated.
func (p WorkPlan) Validate() error {
	seen := make(map[string]struct{}, len(p.WorkTickets))
	for i, t := range p.WorkTickets {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("workTickets[%d]: %w", i, err)
		}
		if _, ok := seen[t.ID]; ok {
			return fmt.Errorf("workTickets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

func (t WorkTicket) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch t.Type {
	case TicketFeature, TicketBug, TicketImprovement, TicketTask:
	default:
		return fmt.Errorf("invalid type %q", t.Type)
	}
	switch t.Priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
	default:
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	if t.EstimatedHours <= 0 {
		return fmt.Errorf("estimatedHours must be positive")
	}
	if t.Sprint < 1 {
		return fmt.Errorf("sprint must be at least 1")
	}
	if _, _, err := dateRange(t.StartDate, t.EndDate); err != nil {
		return err
	}
	return nil
}

func dateRange(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid startDate %q", start)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid endDate %q", end)
	}
	if e.Before(s) {
		return time.Time{}, time.Time{}, fmt.Errorf("endDate %s before startDate %s", end, start)
	}
	return s, e, nil
}
