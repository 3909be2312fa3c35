package server

import (
	"encoding/json"
	"fmt"

	"stormline/internal/domain"
)

type HealthResponse struct {
	Status    string `json:"status" example:"ok"`
	Timestamp string `json:"timestamp" format:"date-time"`
}

type AnalyzeRequest struct {
	Document  string `json:"document" doc:"Product requirements document, markdown or plain text"`
	SessionID string `json:"sessionId,omitempty" doc:"Progress session opened beforehand on the progress stream"`
}

// ShareRequest takes the analysis as a loose object so older or partial
// results can still be shared; missing collections are stored empty.
type ShareRequest struct {
	Document string         `json:"document"`
	Analysis map[string]any `json:"analysis"`
}

func (r ShareRequest) result() (domain.AnalysisResult, error) {
	var res domain.AnalysisResult
	raw, err := json.Marshal(r.Analysis)
	if err != nil {
		return res, fmt.Errorf("invalid analysis: %w", err)
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return res, fmt.Errorf("invalid analysis: %w", err)
	}
	return res, nil
}

type ShareResponse struct {
	ShareID  string `json:"shareId" example:"V1StGXR8"`
	ShareURL string `json:"shareUrl" example:"http://localhost:3000/share/V1StGXR8"`
}

type ShareListResponse struct {
	Items []domain.ShareSummary `json:"items"`
}
