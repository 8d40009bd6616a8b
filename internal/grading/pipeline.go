// Package grading turns a finished attempt into a TestResult. Grading is
// delegated to an external Scorer; every failure along the way resolves to
// the fallback result instead of an error.
package grading

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/testroom/internal/metrics"
	"github.com/pavelanni/testroom/internal/model"
)

// DefaultTimeout bounds a single scoring call.
const DefaultTimeout = 60 * time.Second

// Request is the structured grading request sent to the scoring service.
type Request struct {
	TestTitle           string            `json:"testTitle"`
	TestDescription     string            `json:"testDescription"`
	MaxScorePerQuestion int               `json:"maxScorePerQuestion"`
	Questions           []RequestQuestion `json:"questions"`
	Answers             []RequestAnswer   `json:"answers"`
}

// RequestQuestion is a question as presented to the scoring service.
type RequestQuestion struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Prompt string `json:"prompt"`
}

// RequestAnswer is the student's answer to one question.
type RequestAnswer struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// Scorer sends a grading request and returns the raw response text, which
// is expected to contain exactly one JSON object.
type Scorer interface {
	Score(ctx context.Context, req Request) (string, error)
}

// Failure kinds, used as log values and metric labels.
const (
	OutcomeGraded     = "graded"
	FailureTransport  = "transport"
	FailureTimeout    = "timeout"
	FailureNoJSON     = "no_json"
	FailureDecode     = "decode"
	FailureIncomplete = "incomplete"
)

var errNoJSON = errors.New("no JSON object in response")

type failure struct {
	kind string
	err  error
}

func (f *failure) Error() string { return f.kind + ": " + f.err.Error() }
func (f *failure) Unwrap() error { return f.err }

// Pipeline grades attempts through a Scorer.
type Pipeline struct {
	scorer  Scorer
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger used to report absorbed failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics records grading outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline around scorer.
func New(scorer Scorer, opts ...Option) *Pipeline {
	p := &Pipeline{
		scorer:  scorer,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// BuildRequest assembles the grading request for an attempt. Questions keep
// their attempt order; missing answers are sent as empty strings.
func BuildRequest(meta model.TestMetadata, questions []model.Question, answers map[string]string) Request {
	req := Request{
		TestTitle:           meta.Title,
		TestDescription:     meta.Description,
		MaxScorePerQuestion: meta.MaxScore(),
		Questions:           make([]RequestQuestion, 0, len(questions)),
		Answers:             make([]RequestAnswer, 0, len(questions)),
	}
	for _, q := range questions {
		req.Questions = append(req.Questions, RequestQuestion{ID: q.ID, Topic: q.Topic, Prompt: q.Prompt})
		req.Answers = append(req.Answers, RequestAnswer{QuestionID: q.ID, Answer: answers[q.ID]})
	}
	return req
}

// Evaluate grades the attempt. It never fails: any error is logged and
// replaced by the fallback result, whose Answers still cover every question.
func (p *Pipeline) Evaluate(ctx context.Context, meta model.TestMetadata, questions []model.Question, answers map[string]string) model.TestResult {
	total := make(map[string]string, len(questions))
	for _, q := range questions {
		total[q.ID] = answers[q.ID]
	}

	start := time.Now()
	result, err := p.grade(ctx, BuildRequest(meta, questions, total), total)
	took := time.Since(start)
	if err != nil {
		kind := FailureTransport
		var f *failure
		if errors.As(err, &f) {
			kind = f.kind
		}
		p.logger.Warn("grading failed, using fallback result",
			"test_id", meta.ID, "kind", kind, "took", took, "error", err)
		p.metrics.GradingOutcome(kind, took)
		return model.FallbackResult(total)
	}

	p.logger.Info("graded attempt", "test_id", meta.ID, "overall_score", *result.OverallScore, "took", took)
	p.metrics.GradingOutcome(OutcomeGraded, took)
	return result
}

type scoreReply struct {
	text string
	err  error
}

func (p *Pipeline) grade(ctx context.Context, req Request, answers map[string]string) (model.TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// The scorer may ignore ctx; the select keeps the timeout authoritative.
	replies := make(chan scoreReply, 1)
	go func() {
		text, err := p.scorer.Score(ctx, req)
		replies <- scoreReply{text: text, err: err}
	}()

	var reply scoreReply
	select {
	case reply = <-replies:
	case <-ctx.Done():
		return model.TestResult{}, &failure{kind: FailureTimeout, err: ctx.Err()}
	}
	if reply.err != nil {
		if errors.Is(reply.err, context.DeadlineExceeded) {
			return model.TestResult{}, &failure{kind: FailureTimeout, err: reply.err}
		}
		return model.TestResult{}, &failure{kind: FailureTransport, err: reply.err}
	}
	return ParseResponse(reply.text, answers)
}

// ExtractJSON returns the text between the first '{' and the last '}'.
func ExtractJSON(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", errNoJSON
	}
	return text[start : end+1], nil
}

type gradingResponse struct {
	OverallScore   *float64        `json:"overallScore"`
	QuestionScores []responseScore `json:"questionScores"`
	Feedback       *string         `json:"feedback"`
}

type responseScore struct {
	QuestionID flexID   `json:"questionId"`
	Score      *float64 `json:"score"`
	Feedback   string   `json:"feedback"`
}

// flexID accepts question ids encoded either as JSON strings or numbers.
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("question id must be a string or number: %w", err)
	}
	*id = flexID(n.String())
	return nil
}

// ParseResponse decodes a free-form scoring response into a graded result.
// Scores for question ids outside the attempt are dropped.
func ParseResponse(text string, answers map[string]string) (model.TestResult, error) {
	payload, err := ExtractJSON(text)
	if err != nil {
		return model.TestResult{}, &failure{kind: FailureNoJSON, err: err}
	}

	var resp gradingResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return model.TestResult{}, &failure{kind: FailureDecode, err: err}
	}
	if resp.OverallScore == nil {
		return model.TestResult{}, &failure{kind: FailureIncomplete, err: errors.New("missing overallScore")}
	}
	if resp.Feedback == nil {
		return model.TestResult{}, &failure{kind: FailureIncomplete, err: errors.New("missing feedback")}
	}

	scores := make([]model.QuestionScore, 0, len(resp.QuestionScores))
	for _, qs := range resp.QuestionScores {
		if qs.Score == nil {
			return model.TestResult{}, &failure{kind: FailureIncomplete, err: fmt.Errorf("missing score for question %q", qs.QuestionID)}
		}
		if _, ok := answers[string(qs.QuestionID)]; !ok {
			continue
		}
		scores = append(scores, model.QuestionScore{
			QuestionID: string(qs.QuestionID),
			Score:      *qs.Score,
			Feedback:   qs.Feedback,
		})
	}

	result := model.FallbackResult(answers)
	result.OverallScore = resp.OverallScore
	result.Feedback = resp.Feedback
	result.QuestionScores = scores
	return result, nil
}
