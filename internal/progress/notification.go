package progress

import (
	"encoding/json"
	"math"
)

type Kind string

const (
	KindConnected Kind = "connected"
	KindProgress  Kind = "progress"
	KindComplete  Kind = "complete"
	KindError     Kind = "error"
)

// Progress is one step update published by a pipeline run.
type Progress struct {
	Step        int
	TotalSteps  int
	Description string
	Phase       string
}

// Percentage is round(step/total*100), clamped to [0,100].
func (p Progress) Percentage() int {
	if p.TotalSteps <= 0 {
		return 0
	}
	pct := int(math.Round(float64(p.Step) / float64(p.TotalSteps) * 100))
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Notification is the message delivered to a subscriber.
type Notification struct {
	Type        Kind   `json:"type" enum:"connected,progress,complete,error"`
	SessionID   string `json:"sessionId"`
	Step        int    `json:"step,omitempty"`
	TotalSteps  int    `json:"totalSteps,omitempty"`
	Percentage  int    `json:"percentage,omitempty"`
	Description string `json:"description,omitempty"`
	Phase       string `json:"phase,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Terminal reports whether no further notifications follow on the stream.
func (n Notification) Terminal() bool {
	return n.Type == KindComplete || n.Type == KindError
}

// MarshalJSON keeps step and percentage on progress updates even when zero.
func (n Notification) MarshalJSON() ([]byte, error) {
	type plain Notification
	if n.Type != KindProgress {
		return json.Marshal(plain(n))
	}
	return json.Marshal(struct {
		Type        Kind   `json:"type"`
		SessionID   string `json:"sessionId"`
		Step        int    `json:"step"`
		TotalSteps  int    `json:"totalSteps"`
		Percentage  int    `json:"percentage"`
		Description string `json:"description"`
		Phase       string `json:"phase"`
	}{n.Type, n.SessionID, n.Step, n.TotalSteps, n.Percentage, n.Description, n.Phase})
}

func progressNotification(sessionID string, p Progress) Notification {
	return Notification{
		Type:        KindProgress,
		SessionID:   sessionID,
		Step:        p.Step,
		TotalSteps:  p.TotalSteps,
		Percentage:  p.Percentage(),
		Description: p.Description,
		Phase:       p.Phase,
	}
}
