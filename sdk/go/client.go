package stormlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHandshakeTimeout bounds how long AnalyzeWithProgress waits for the
// progress stream before analysing without it.
const DefaultHandshakeTimeout = 3 * time.Second

// Client is a minimal Stormline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	// StreamClient is used for progress streams and must not set a timeout.
	StreamClient     *http.Client
	Timeout          time.Duration
	HandshakeTimeout time.Duration
}

// New creates a client with sane defaults. Analyses can take minutes, so the
// request timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:          baseURL,
		BasePath:         "/api",
		Timeout:          5 * time.Minute,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// EventStorming is the domain model extracted from a document.
type EventStorming struct {
	Events     []string   `json:"events"`
	Commands   []string   `json:"commands"`
	Actors     []string   `json:"actors"`
	Policies   []string   `json:"policies"`
	Aggregates []string   `json:"aggregates"`
	Flow       []FlowEdge `json:"flow"`
	Diagram    string     `json:"diagram"`
}

type FlowEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
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

// WorkTicket represents a planned ticket (partial).
type WorkTicket struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Type           string   `json:"type"`
	Priority       string   `json:"priority"`
	EstimatedHours float64  `json:"estimatedHours"`
	Sprint         int      `json:"sprint"`
	StartDate      string   `json:"startDate"`
	EndDate        string   `json:"endDate"`
	Dependencies   []string `json:"dependencies"`
}

type Milestone struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Date  string `json:"date"`
}

// AnalysisResult is the response of Analyze.
type AnalysisResult struct {
	EventStorming      EventStorming     `json:"eventStorming"`
	Discussion         []DiscussionEntry `json:"discussion"`
	ExampleMapping     ExampleMapping    `json:"exampleMapping"`
	UbiquitousLanguage []GlossaryEntry   `json:"ubiquitousLanguage,omitempty"`
	WorkTickets        []WorkTicket      `json:"workTickets,omitempty"`
	Milestones         []Milestone       `json:"milestones,omitempty"`
	Timeline           json.RawMessage   `json:"timeline,omitempty"`
}

type Share struct {
	ShareID  string `json:"shareId"`
	ShareURL string `json:"shareUrl"`
}

type ShareRecord struct {
	ID            string         `json:"id"`
	SchemaVersion int            `json:"schemaVersion"`
	Document      string         `json:"document"`
	Analysis      AnalysisResult `json:"analysis"`
	CreatedAt     string         `json:"createdAt"`
	AccessedAt    string         `json:"accessedAt"`
}

type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the envelope error code, if the body carries one.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal([]byte(e.Body), &env)
	return env.Error.Code
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, c.base()+"/health", nil, &resp)
	return resp, err
}

// Analyze runs the pipeline. sessionID may be empty.
func (c *Client) Analyze(ctx context.Context, document, sessionID string) (AnalysisResult, error) {
	body := map[string]any{"document": document}
	if sessionID != "" {
		body["sessionId"] = sessionID
	}
	var resp AnalysisResult
	err := c.do(ctx, http.MethodPost, c.apiPath("analyze"), body, &resp)
	return resp, err
}

// CreateShare stores an analysis and returns its share link.
func (c *Client) CreateShare(ctx context.Context, document string, analysis AnalysisResult) (Share, error) {
	var resp Share
	err := c.do(ctx, http.MethodPost, c.apiPath("shares"), map[string]any{
		"document": document,
		"analysis": analysis,
	}, &resp)
	return resp, err
}

func (c *Client) GetShare(ctx context.Context, id string) (ShareRecord, error) {
	var resp ShareRecord
	err := c.do(ctx, http.MethodGet, c.apiPath("shares/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	basePath := "/" + strings.Trim(c.BasePath, "/")
	if basePath == "/" {
		basePath = ""
	}
	return c.base() + basePath + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
