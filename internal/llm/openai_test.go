package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"stormline/internal/config"
	"stormline/internal/domain"
	"stormline/internal/logging"
)

func fakeOpenAI(t *testing.T, statuses []int, content string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if rf, ok := req["response_format"].(map[string]any); !ok || rf["type"] != "json_object" {
			t.Errorf("expected json_object response format, got %v", req["response_format"])
		}
		w.Header().Set("Content-Type", "application/json")
		if int(n) <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"error":{"message":"upstream trouble","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func openAIClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	t.Setenv("STORMLINE_TEST_OPENAI_KEY", "sk-test")
	cfg := config.Default().LLM
	cfg.APIKeyEnv = "STORMLINE_TEST_OPENAI_KEY"
	cfg.BaseURL = baseURL + "/v1"
	cfg.RetryDelay = 0
	oc, err := NewOpenAICompleter(cfg)
	require.NoError(t, err)
	return NewClient(oc, cfg, logging.Discard())
}

func TestOpenAICompleterRetriesServerErrors(t *testing.T) {
	srv, hits := fakeOpenAI(t, []int{http.StatusInternalServerError}, `{"stories":["s"],"rules":[],"examples":[],"questions":[]}`)
	c := openAIClient(t, srv.URL)

	m, err := c.ExampleMapping(context.Background(), domain.EventStorming{}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"s"}, m.Stories)
	require.EqualValues(t, 2, atomic.LoadInt32(hits))
}

func TestOpenAICompleterDoesNotRetryClientErrors(t *testing.T) {
	srv, hits := fakeOpenAI(t, []int{http.StatusBadRequest}, `{}`)
	c := openAIClient(t, srv.URL)

	_, err := c.ExampleMapping(context.Background(), domain.EventStorming{}, nil)
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(hits))
}
