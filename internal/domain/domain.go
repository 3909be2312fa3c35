package domain

import (
	"encoding/json"
	"strings"
)

// Pipeline phases, in execution order.
const (
	PhaseInitializing       = "initializing"
	PhaseEventStorming      = "eventStorming"
	PhaseDiagram            = "diagram"
	PhaseDiscussion         = "discussion"
	PhaseExampleMapping     = "exampleMapping"
	PhaseUbiquitousLanguage = "ubiquitousLanguage"
	PhaseWorkTickets        = "workTickets"
)

type AnalysisRequest struct {
	Document  string `json:"document"`
	SessionID string `json:"sessionId,omitempty"`
}

type FlowKind string

const (
	FlowTriggers FlowKind = "triggers"
	FlowApplies  FlowKind = "applies"
	FlowOther    FlowKind = "other"
)

// UnmarshalJSON folds any kind outside the known set into FlowOther.
func (k *FlowKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*k = ParseFlowKind(raw)
	return nil
}

func ParseFlowKind(raw string) FlowKind {
	switch FlowKind(strings.ToLower(strings.TrimSpace(raw))) {
	case FlowTriggers:
		return FlowTriggers
	case FlowApplies:
		return FlowApplies
	default:
		return FlowOther
	}
}

type FlowEdge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Type FlowKind `json:"type" enum:"triggers,applies,other"`
}

type EventStorming struct {
	Events     []string   `json:"events"`
	Commands   []string   `json:"commands"`
	Actors     []string   `json:"actors"`
	Policies   []string   `json:"policies"`
	Aggregates []string   `json:"aggregates"`
	Flow       []FlowEdge `json:"flow"`
	Diagram    string     `json:"diagram"`
}

type DiscussionEntry struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

type ExampleMapping struct {
	Stories   []string `json:"stories"`
	Rules     []string `json:"rules"`
	Examples  []string `json:"examples"`
	Questions []string `json:"questions"`
}

type GlossaryEntry struct {
	BoundedContext string `json:"boundedContext"`
	EnglishName    string `json:"englishName"`
	KoreanName     string `json:"koreanName"`
	Description    string `json:"description"`
}

type AnalysisResult struct {
	EventStorming      EventStorming     `json:"eventStorming"`
	Discussion         []DiscussionEntry `json:"discussion"`
	ExampleMapping     ExampleMapping    `json:"exampleMapping"`
	UbiquitousLanguage []GlossaryEntry   `json:"ubiquitousLanguage,omitempty"`
	WorkTickets        []WorkTicket      `json:"workTickets,omitempty"`
	Milestones         []Milestone       `json:"milestones,omitempty"`
	Timeline           *Timeline         `json:"timeline,omitempty"`
}

type ShareRecord struct {
	ID            string         `json:"id"`
	SchemaVersion int            `json:"schemaVersion"`
	Document      string         `json:"document"`
	Analysis      AnalysisResult `json:"analysis"`
	CreatedAt     string         `json:"createdAt" format:"date-time"`
	AccessedAt    string         `json:"accessedAt,omitempty" format:"date-time"`
}

type ShareSummary struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Tickets    int    `json:"tickets"`
	CreatedAt  string `json:"createdAt" format:"date-time"`
	AccessedAt string `json:"accessedAt,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	Payload    string `json:"payload"`
}
