package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/testroom/internal/grading"
)

// fakeOpenAI serves the two endpoints the client uses.
func fakeOpenAI(t *testing.T, reply string, status int) (*httptest.Server, *string) {
	t.Helper()
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error": {"message": "boom", "type": "server_error"}}`))
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/models"):
			_, _ = w.Write([]byte(`{"object": "list", "data": [{"id": "test-model", "object": "model"}]}`))
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			var body struct {
				Model    string `json:"model"`
				Messages []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if len(body.Messages) != 2 || !strings.Contains(body.Messages[1].Content, "QUESTION q1") {
				t.Errorf("unexpected messages: %+v", body.Messages)
			}
			out, _ := json.Marshal(map[string]any{
				"id":      "cmpl-1",
				"object":  "chat.completion",
				"model":   body.Model,
				"choices": []any{map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"}},
			})
			_, _ = w.Write(out)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &auth
}

func request() grading.Request {
	return grading.Request{
		TestTitle:           "Go",
		MaxScorePerQuestion: 10,
		Questions:           []grading.RequestQuestion{{ID: "q1", Prompt: "What is a goroutine?"}},
		Answers:             []grading.RequestAnswer{{QuestionID: "q1", Answer: "a thread"}},
	}
}

func TestNewRejectsInvalidVariant(t *testing.T) {
	if _, err := New("", "key", "m", "harsh"); err == nil {
		t.Error("expected error for invalid variant")
	}
}

func TestScore(t *testing.T) {
	reply := `{"overallScore": 7, "questionScores": [{"questionId": "q1", "score": 7, "feedback": "ok"}], "feedback": "fine"}`
	srv, auth := fakeOpenAI(t, reply, http.StatusOK)

	c, err := New(srv.URL+"/v1", "secret", "test-model", "standard")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := c.Score(context.Background(), request())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got != reply {
		t.Errorf("Score() = %q, want %q", got, reply)
	}
	if *auth != "Bearer secret" {
		t.Errorf("Authorization = %q, want bearer credential", *auth)
	}
}

func TestScoreFeedsPipeline(t *testing.T) {
	srv, _ := fakeOpenAI(t, "```json\n{\"overallScore\": 4, \"questionScores\": [{\"questionId\": \"q1\", \"score\": 4, \"feedback\": \"thin\"}], \"feedback\": \"more detail\"}\n```", http.StatusOK)
	c, err := New(srv.URL+"/v1", "secret", "test-model", "strict")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	text, err := c.Score(context.Background(), request())
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	res, err := grading.ParseResponse(text, map[string]string{"q1": "a thread"})
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if *res.OverallScore != 4 || len(res.QuestionScores) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestScoreServerError(t *testing.T) {
	srv, _ := fakeOpenAI(t, "", http.StatusInternalServerError)
	c, _ := New(srv.URL+"/v1", "secret", "test-model", "standard")

	if _, err := c.Score(context.Background(), request()); err == nil {
		t.Error("expected error from failing endpoint")
	}
}

func TestPing(t *testing.T) {
	srv, _ := fakeOpenAI(t, "", http.StatusOK)
	c, _ := New(srv.URL+"/v1", "secret", "test-model", "standard")
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	bad, _ := fakeOpenAI(t, "", http.StatusUnauthorized)
	c, _ = New(bad.URL+"/v1", "wrong", "test-model", "standard")
	if err := c.Ping(context.Background()); err == nil {
		t.Error("expected Ping error")
	}
}
