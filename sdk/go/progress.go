package stormlinesdk

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification is one frame of the progress stream.
type Notification struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	Step        int    `json:"step"`
	TotalSteps  int    `json:"totalSteps"`
	Percentage  int    `json:"percentage"`
	Description string `json:"description"`
	Phase       string `json:"phase"`
	Message     string `json:"message"`
}

// Terminal reports whether the stream ends after n.
func (n Notification) Terminal() bool {
	return n.Type == "complete" || n.Type == "error"
}

// Subscribe opens the progress stream for sessionID. The channel closes after
// a terminal notification, when the stream ends or when ctx is done.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan Notification, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiPath("analyze/progress/"+url.PathEscape(sessionID)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	hc := c.StreamClient
	if hc == nil {
		hc = &http.Client{}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		readFrames(ctx, resp.Body, out)
	}()
	return out, nil
}

func readFrames(ctx context.Context, body io.Reader, out chan<- Notification) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			if v, ok := strings.CutPrefix(line, "data:"); ok {
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimPrefix(v, " "))
			}
			continue
		}
		if data.Len() == 0 {
			continue
		}
		var n Notification
		err := json.Unmarshal([]byte(data.String()), &n)
		data.Reset()
		if err != nil {
			continue
		}
		select {
		case out <- n:
		case <-ctx.Done():
			return
		}
		if n.Terminal() {
			return
		}
	}
}

// AnalyzeWithProgress subscribes to a fresh session, waits for the connected
// handshake and then runs Analyze, passing each update to onProgress. If the
// stream does not connect within HandshakeTimeout the analysis runs without
// progress.
func (c *Client) AnalyzeWithProgress(ctx context.Context, document string, onProgress func(Notification)) (AnalysisResult, error) {
	sessionID := uuid.NewString()
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wait := c.HandshakeTimeout
	if wait <= 0 {
		wait = DefaultHandshakeTimeout
	}
	stream := c.handshake(streamCtx, sessionID, wait)
	if stream == nil {
		cancel()
		return c.Analyze(ctx, document, "")
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for n := range stream {
			if onProgress != nil {
				onProgress(n)
			}
		}
	}()
	res, err := c.Analyze(ctx, document, sessionID)
	select {
	case <-drained:
	case <-time.After(wait):
		cancel()
		<-drained
	}
	return res, err
}

// handshake returns the open stream after its connected frame, or nil.
func (c *Client) handshake(ctx context.Context, sessionID string, wait time.Duration) <-chan Notification {
	type opened struct {
		ch  <-chan Notification
		err error
	}
	result := make(chan opened, 1)
	go func() {
		ch, err := c.Subscribe(ctx, sessionID)
		if err != nil {
			result <- opened{err: err}
			return
		}
		select {
		case n, ok := <-ch:
			if ok && n.Type == "connected" {
				result <- opened{ch: ch}
				return
			}
		case <-ctx.Done():
		}
		result <- opened{err: ctx.Err()}
	}()
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case o := <-result:
		if o.err != nil || o.ch == nil {
			return nil
		}
		return o.ch
	case <-timer.C:
		return nil
	}
}
