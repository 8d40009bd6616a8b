package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appI18n "github.com/pavelanni/testroom/internal/i18n"
	"github.com/pavelanni/testroom/internal/metrics"
	"github.com/pavelanni/testroom/internal/model"
	"github.com/pavelanni/testroom/internal/store"
)

type gradingStub struct {
	calls atomic.Int32

	mu      sync.Mutex
	release chan struct{} // nil means grade immediately
}

// hold makes later Evaluate calls wait until the returned func is called.
func (g *gradingStub) hold() (release func()) {
	ch := make(chan struct{})
	g.mu.Lock()
	g.release = ch
	g.mu.Unlock()
	return func() { close(ch) }
}

func (g *gradingStub) Evaluate(_ context.Context, _ model.TestMetadata, questions []model.Question, answers map[string]string) model.TestResult {
	g.calls.Add(1)
	g.mu.Lock()
	release := g.release
	g.mu.Unlock()
	if release != nil {
		<-release
	}
	overall := 8.0
	feedback := "solid work"
	res := model.TestResult{Answers: answers, OverallScore: &overall, Feedback: &feedback}
	for _, q := range questions {
		res.QuestionScores = append(res.QuestionScores, model.QuestionScore{QuestionID: q.ID, Score: 12, Feedback: "ok"})
	}
	return res
}

type testServer struct {
	*httptest.Server
	store   *store.Store
	handler *Handler
	grader  *gradingStub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	ctx := context.Background()
	s, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.ImportTest(ctx, model.TestImport{
		ID:              "phys-1",
		Title:           "Physics quiz",
		Intro:           "Answer in your own words.",
		DurationMinutes: 30,
		Questions: []model.Question{
			{ID: "1", Topic: "kinematics", Prompt: "Define velocity."},
			{ID: "2", Topic: "dynamics", Prompt: "State Newton's second law."},
		},
	}))

	grader := &gradingStub{}
	h := New(s, grader,
		WithMetrics(metrics.New()),
		WithMonitorInterval(20*time.Millisecond),
	)
	srv := httptest.NewServer(h.Router(nil))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, h.Close(ctx))
	})
	return &testServer{Server: srv, store: s, handler: h, grader: grader}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type attemptJSON struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	Accepted *bool  `json:"accepted"`
	Intro    string `json:"intro"`
	Question *struct {
		ID     string `json:"id"`
		Answer string `json:"answer"`
	} `json:"question"`
	Navigation struct {
		Index int `json:"index"`
		Total int `json:"total"`
	} `json:"navigation"`
	Answered int    `json:"answered"`
	Obscured bool   `json:"obscured"`
	Trigger  string `json:"trigger"`
	Notice   string `json:"notice"`
	Result   *struct {
		Graded         bool                  `json:"graded"`
		QuestionScores []model.QuestionScore `json:"question_scores"`
	} `json:"result"`
}

func (ts *testServer) createSession(t *testing.T, roster ...string) model.TestSession {
	t.Helper()
	var sess model.TestSession
	code := ts.do(t, http.MethodPost, "/api/sessions", map[string]any{"test_id": "phys-1", "roster": roster}, &sess)
	require.Equal(t, http.StatusCreated, code)
	return sess
}

func (ts *testServer) createAttempt(t *testing.T, sessionID, studentID string) attemptJSON {
	t.Helper()
	var a attemptJSON
	code := ts.do(t, http.MethodPost, "/api/attempts", map[string]string{
		"test_id": "phys-1", "session_id": sessionID, "student_id": studentID,
	}, &a)
	require.Equal(t, http.StatusCreated, code)
	return a
}

func (ts *testServer) waitCompleted(t *testing.T, id string) attemptJSON {
	t.Helper()
	var a attemptJSON
	require.Eventually(t, func() bool {
		a = attemptJSON{}
		ts.do(t, http.MethodGet, "/api/attempts/"+id, nil, &a)
		return a.State == "completed"
	}, 2*time.Second, 10*time.Millisecond)
	return a
}

func TestListTests(t *testing.T) {
	ts := newTestServer(t)

	var tests []model.TestMetadata
	code := ts.do(t, http.MethodGet, "/api/tests", nil, &tests)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, tests, 1)
	assert.Equal(t, "phys-1", tests[0].ID)
}

func TestAttemptFlow(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "s1")

	a := ts.createAttempt(t, sess.ID, "s1")
	assert.Equal(t, "intro_ready", a.State)
	assert.Equal(t, "Answer in your own words.", a.Intro)

	base := "/api/attempts/" + a.ID
	code := ts.do(t, http.MethodPost, base+"/start", nil, &a)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "in_progress", a.State)
	require.NotNil(t, a.Question)
	assert.Equal(t, "1", a.Question.ID)
	assert.Equal(t, 2, a.Navigation.Total)

	ts.do(t, http.MethodPut, base+"/answer", map[string]string{"text": "dx/dt"}, &a)
	assert.Equal(t, 1, a.Answered)

	ts.do(t, http.MethodPost, base+"/prev", nil, &a)
	require.NotNil(t, a.Accepted)
	assert.False(t, *a.Accepted, "prev at the first question")

	ts.do(t, http.MethodPost, base+"/next", nil, &a)
	assert.Equal(t, 1, a.Navigation.Index)
	ts.do(t, http.MethodPut, base+"/answer", map[string]string{"text": "F = ma"}, &a)

	ts.do(t, http.MethodPost, base+"/goto/0", nil, &a)
	require.NotNil(t, a.Question)
	assert.Equal(t, "dx/dt", a.Question.Answer)

	ts.do(t, http.MethodPost, base+"/finish", nil, &a)
	assert.Equal(t, "confirming_finish", a.State)
	ts.do(t, http.MethodPost, base+"/confirm", map[string]bool{"confirm": false}, &a)
	assert.Equal(t, "in_progress", a.State)

	ts.do(t, http.MethodPost, base+"/finish", nil, &a)
	ts.do(t, http.MethodPost, base+"/confirm", map[string]bool{"confirm": true}, &a)
	require.NotNil(t, a.Accepted)
	assert.True(t, *a.Accepted)

	done := ts.waitCompleted(t, a.ID)
	assert.Equal(t, "voluntary", done.Trigger)
	require.NotNil(t, done.Result)
	assert.True(t, done.Result.Graded)
	require.Len(t, done.Result.QuestionScores, 2)
	assert.Equal(t, 10.0, done.Result.QuestionScores[0].Score, "scores are clamped to the maximum")
	assert.Equal(t, int32(1), ts.grader.calls.Load())

	require.Eventually(t, func() bool {
		recs, err := ts.store.ListStudentTestAnswers(context.Background())
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st, err := ts.store.FetchStudentStatuses(context.Background(), sess.ID)
		return err == nil && len(st) == 1 && st[0].Progress == 1.0
	}, 2*time.Second, 10*time.Millisecond)

	code = ts.do(t, http.MethodPost, base+"/finish", nil, &a)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, *a.Accepted, "finish after completion")
}

func TestIntegrityViolationForcesFinish(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAttempt(t, "", "s1")
	base := "/api/attempts/" + a.ID
	ts.do(t, http.MethodPost, base+"/start", nil, &a)
	ts.do(t, http.MethodPut, base+"/answer", map[string]string{"text": "partial"}, &a)

	var hidden attemptJSON
	code := ts.do(t, http.MethodPost, base+"/integrity", map[string]any{"signal": "capture", "active": true}, &hidden)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, hidden.Obscured)
	assert.Nil(t, hidden.Question, "content is hidden while obscured")
	assert.Equal(t, "forced", hidden.Trigger)

	done := ts.waitCompleted(t, a.ID)
	assert.Equal(t, "forced", done.Trigger)

	ts.do(t, http.MethodPost, base+"/integrity", map[string]any{"signal": "capture", "active": false}, &a)
	assert.False(t, a.Obscured)

	ts.do(t, http.MethodPost, base+"/integrity", map[string]any{"signal": "screenshot"}, &a)
	assert.Equal(t, int32(1), ts.grader.calls.Load(), "graded once")

	var errBody map[string]string
	code = ts.do(t, http.MethodPost, base+"/integrity", map[string]any{"signal": "keylogger"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestScreenshotBeforeStartIsIgnored(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAttempt(t, "", "s1")
	base := "/api/attempts/" + a.ID

	ts.do(t, http.MethodPost, base+"/integrity", map[string]any{"signal": "screenshot"}, &a)
	assert.Equal(t, "intro_ready", a.State)
	assert.Empty(t, a.Trigger)

	ts.do(t, http.MethodPost, base+"/start", nil, &a)
	assert.Equal(t, "in_progress", a.State)

	var hit attemptJSON
	ts.do(t, http.MethodPost, base+"/integrity", map[string]any{"signal": "capture", "active": true}, &hit)
	assert.Equal(t, "forced", hit.Trigger, "a violation during the test still forces a finish")
	assert.True(t, hit.Obscured)

	done := ts.waitCompleted(t, a.ID)
	assert.Equal(t, "forced", done.Trigger)
	assert.Equal(t, int32(1), ts.grader.calls.Load())
}

func TestUnknownResources(t *testing.T) {
	ts := newTestServer(t)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/attempts/nope", nil, &body))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/attempts/nope/next", nil, &body))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/attempts/nope", nil, &body))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/attempts",
		map[string]string{"test_id": "chem-9", "student_id": "s1"}, &body))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sessions/nope", nil, &body))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sessions/nope/monitor", nil, &body))
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/attempts",
		map[string]string{"test_id": "phys-1"}, &body))
}

func TestDetachDuringGradingReportsCompletion(t *testing.T) {
	ts := newTestServer(t)
	release := ts.grader.hold()
	sess := ts.createSession(t, "s1")
	a := ts.createAttempt(t, sess.ID, "s1")
	base := "/api/attempts/" + a.ID

	ts.do(t, http.MethodPost, base+"/start", nil, &a)
	ts.do(t, http.MethodPut, base+"/answer", map[string]string{"text": "dx/dt"}, &a)
	ts.do(t, http.MethodPost, base+"/finish", nil, &a)
	ts.do(t, http.MethodPost, base+"/confirm", map[string]bool{"confirm": true}, &a)
	assert.Equal(t, "submitting", a.State)

	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, base, nil, nil))
	release()

	require.Eventually(t, func() bool {
		recs, err := ts.store.ListStudentTestAnswers(context.Background())
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := ts.store.FetchStudentStatuses(context.Background(), sess.ID)
		return err == nil && len(st) == 1 && st[0].Display() == model.DisplayCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func submitBlocked(t *testing.T, ts *testServer) (release func()) {
	t.Helper()
	release = ts.grader.hold()
	a := ts.createAttempt(t, "", "s1")
	base := "/api/attempts/" + a.ID
	ts.do(t, http.MethodPost, base+"/start", nil, &a)
	ts.do(t, http.MethodPost, base+"/finish", nil, &a)
	ts.do(t, http.MethodPost, base+"/confirm", map[string]bool{"confirm": true}, &a)
	require.Equal(t, "submitting", a.State)
	return release
}

func TestCloseWaitsForGrading(t *testing.T) {
	ts := newTestServer(t)
	release := submitBlocked(t, ts)

	closed := make(chan error, 1)
	go func() { closed <- ts.handler.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned while grading was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	require.NoError(t, <-closed)

	recs, err := ts.store.ListStudentTestAnswers(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1, "result is written before Close returns")
}

func TestCloseGivesUpAtDeadline(t *testing.T) {
	ts := newTestServer(t)
	release := submitBlocked(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ts.handler.Close(ctx), context.DeadlineExceeded)

	release()
	require.Eventually(t, func() bool {
		recs, err := ts.store.ListStudentTestAnswers(context.Background())
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDetachAttempt(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAttempt(t, "", "s1")

	code := ts.do(t, http.MethodDelete, "/api/attempts/"+a.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, code)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/attempts/"+a.ID, nil, &body))
}

type monitorJSON struct {
	Status           string `json:"status"`
	Running          bool   `json:"running"`
	Students         int    `json:"students"`
	Joined           int    `json:"joined"`
	JoinedText       string `json:"joined_text"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Rows             []struct {
		StudentID string `json:"student_id"`
		Status    string `json:"status"`
		Label     string `json:"label"`
	} `json:"rows"`
}

func TestSessionMonitorAndClose(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "s1", "s2")
	assert.Equal(t, "Physics quiz", sess.Title)
	assert.Equal(t, 30*time.Minute, sess.Duration)

	a := ts.createAttempt(t, sess.ID, "s1")
	ts.do(t, http.MethodPost, "/api/attempts/"+a.ID+"/start", nil, &a)

	monPath := "/api/sessions/" + sess.ID + "/monitor"
	var mon monitorJSON
	code := ts.do(t, http.MethodPost, monPath, nil, &mon)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		mon = monitorJSON{}
		ts.do(t, http.MethodGet, monPath, nil, &mon)
		return mon.Joined == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, mon.Running)
	assert.Equal(t, 2, mon.Students)
	assert.Equal(t, "1 student joined", mon.JoinedText)
	require.Len(t, mon.Rows, 2)
	assert.Equal(t, "s1", mon.Rows[0].StudentID)
	assert.Equal(t, string(model.DisplayInProgress), mon.Rows[0].Status)
	assert.Equal(t, string(model.DisplayNotJoined), mon.Rows[1].Status)
	assert.NotEmpty(t, mon.Rows[1].Label)
	assert.Positive(t, mon.RemainingSeconds)

	var closed model.TestSession
	code = ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/close", nil, &closed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.SessionFinished, closed.Status)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, monPath, nil, &body), "loop is dropped on close")
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, monPath, nil, &body))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/close", nil, &body))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/attempts", map[string]string{
		"test_id": "phys-1", "session_id": sess.ID, "student_id": "s2",
	}, &body))
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, monPath, nil, &body))
}

func TestStopMonitor(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "s1")
	monPath := "/api/sessions/" + sess.ID + "/monitor"

	var mon monitorJSON
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, monPath, nil, &mon))
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, monPath, nil, nil))

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, monPath, nil, &body))
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, monPath, nil, &mon), "session is still active")
}

func TestCancelSession(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "s1")

	var mon monitorJSON
	require.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/monitor", nil, &mon))

	var got model.TestSession
	code := ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/cancel", nil, &got)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, model.SessionCancelled, got.Status)

	var body map[string]string
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/sessions/"+sess.ID+"/monitor", nil, &body))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/monitor", nil, &body))
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/close", nil, &body))
}

func TestMonitorInactiveSession(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t)
	require.NoError(t, ts.store.CloseSession(context.Background(), sess.ID))

	var body map[string]string
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/monitor", nil, &body))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAttempt(t, "", "s1")
	ts.do(t, http.MethodPost, "/api/attempts/"+a.ID+"/start", nil, &a)
	ts.do(t, http.MethodPost, "/api/attempts/"+a.ID+"/integrity", map[string]any{"signal": "screenshot"}, &a)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "testroom_")
}

func TestLocalizedNotice(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createAttempt(t, "", "s1")
	base := "/api/attempts/" + a.ID
	ts.do(t, http.MethodPost, base+"/start", nil, &a)

	req, err := http.NewRequest(http.MethodPost, ts.URL+base+"/integrity", strings.NewReader(`{"signal":"screenshot"}`))
	require.NoError(t, err)
	req.Header.Set("Accept-Language", "ru")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got attemptJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "forced", got.Trigger)
	assert.NotEmpty(t, got.Notice)
	assert.NotEqual(t, "IntegrityViolation", got.Notice)
	assert.NotContains(t, got.Notice, "Screen capture detected")
}
