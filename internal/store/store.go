package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/testroom/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a test or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionNotActive is returned when closing or cancelling a session
	// that already reached a terminal status.
	ErrSessionNotActive = errors.New("session is not active")
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type Store struct {
	db     *sql.DB
	driver Driver
}

// Open connects to the database and ensures the schema exists. An empty dsn
// picks a local default for the driver.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName, schema string
	switch driver {
	case DriverSQLite:
		drvName, schema = "sqlite", schemaSQLite
		if dsn == "" {
			dsn = "testroom.db"
		}
		if dsn != ":memory:" {
			dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName, schema = "pgx", schemaPostgres
		if dsn == "" {
			dsn = "postgres://localhost:5432/testroom?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %q", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps an in-memory database shared and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tests (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	intro TEXT NOT NULL DEFAULT '',
	max_score_per_question INTEGER NOT NULL DEFAULT 10,
	duration_sec INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	test_id TEXT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	position INTEGER NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	PRIMARY KEY (test_id, id)
);

CREATE TABLE IF NOT EXISTS test_sessions (
	id TEXT PRIMARY KEY,
	test_id TEXT NOT NULL REFERENCES tests(id),
	title TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	duration_sec INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS session_roster (
	session_id TEXT NOT NULL REFERENCES test_sessions(id) ON DELETE CASCADE,
	student_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (session_id, student_id)
);

CREATE TABLE IF NOT EXISTS student_progress (
	session_id TEXT NOT NULL,
	student_id TEXT NOT NULL,
	start_time INTEGER,
	progress REAL NOT NULL DEFAULT 0,
	current_question INTEGER NOT NULL DEFAULT 0,
	total_questions INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, student_id)
);

CREATE TABLE IF NOT EXISTS student_test_answers (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	student_id TEXT NOT NULL,
	test_id TEXT NOT NULL,
	answers_json TEXT NOT NULL,
	overall_score REAL NOT NULL DEFAULT 0,
	question_scores_json TEXT NOT NULL,
	feedback TEXT NOT NULL DEFAULT '',
	graded INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS import_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tests (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	intro TEXT NOT NULL DEFAULT '',
	max_score_per_question INTEGER NOT NULL DEFAULT 10,
	duration_sec BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	test_id TEXT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	position INTEGER NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL,
	PRIMARY KEY (test_id, id)
);

CREATE TABLE IF NOT EXISTS test_sessions (
	id TEXT PRIMARY KEY,
	test_id TEXT NOT NULL REFERENCES tests(id),
	title TEXT NOT NULL,
	start_time BIGINT NOT NULL,
	duration_sec BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS session_roster (
	session_id TEXT NOT NULL REFERENCES test_sessions(id) ON DELETE CASCADE,
	student_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (session_id, student_id)
);

CREATE TABLE IF NOT EXISTS student_progress (
	session_id TEXT NOT NULL,
	student_id TEXT NOT NULL,
	start_time BIGINT,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_question INTEGER NOT NULL DEFAULT 0,
	total_questions INTEGER NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (session_id, student_id)
);

CREATE TABLE IF NOT EXISTS student_test_answers (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	student_id TEXT NOT NULL,
	test_id TEXT NOT NULL,
	answers_json TEXT NOT NULL,
	overall_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	question_scores_json TEXT NOT NULL,
	feedback TEXT NOT NULL DEFAULT '',
	graded INTEGER NOT NULL DEFAULT 0,
	completed_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS import_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// ImportTest inserts or replaces a test and its question sequence.
func (s *Store) ImportTest(ctx context.Context, t model.TestImport) error {
	if t.ID == "" {
		return errors.New("test id is required")
	}
	if len(t.Questions) == 0 {
		return fmt.Errorf("test %s has no questions", t.ID)
	}
	maxScore := t.MaxScorePerQuestion
	if maxScore <= 0 {
		maxScore = model.DefaultMaxScore
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tests (id, title, description, intro, max_score_per_question, duration_sec, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET title = excluded.title, description = excluded.description,
		 intro = excluded.intro, max_score_per_question = excluded.max_score_per_question,
		 duration_sec = excluded.duration_sec`,
		t.ID, t.Title, t.Description, t.Intro, maxScore, int64(t.DurationMinutes)*60, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert test %s: %w", t.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE test_id = $1`, t.ID); err != nil {
		return fmt.Errorf("clear questions of %s: %w", t.ID, err)
	}
	for i, q := range t.Questions {
		if q.ID == "" {
			return fmt.Errorf("question %d of %s has no id", i+1, t.ID)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO questions (test_id, id, position, topic, prompt) VALUES ($1, $2, $3, $4, $5)`,
			t.ID, q.ID, i, q.Topic, q.Prompt,
		)
		if err != nil {
			return fmt.Errorf("insert question %s/%s: %w", t.ID, q.ID, err)
		}
	}
	return tx.Commit()
}

// FetchTestMetadata returns the test header.
func (s *Store) FetchTestMetadata(ctx context.Context, testID string) (model.TestMetadata, error) {
	var m model.TestMetadata
	var durationSec int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, intro, max_score_per_question, duration_sec FROM tests WHERE id = $1`, testID,
	).Scan(&m.ID, &m.Title, &m.Description, &m.Intro, &m.MaxScorePerQuestion, &durationSec)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("test %s: %w", testID, ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("get test %s: %w", testID, err)
	}
	m.Duration = time.Duration(durationSec) * time.Second
	return m, nil
}

// FetchIntro returns the intro text shown before the test starts.
func (s *Store) FetchIntro(ctx context.Context, testID string) (string, error) {
	m, err := s.FetchTestMetadata(ctx, testID)
	if err != nil {
		return "", err
	}
	return m.Intro, nil
}

// FetchQuestionsForAttempt returns the test's questions in order, unanswered.
func (s *Store) FetchQuestionsForAttempt(ctx context.Context, testID string) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, prompt FROM questions WHERE test_id = $1 ORDER BY position`, testID,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions of %s: %w", testID, err)
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Topic, &q.Prompt); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// ListTests returns all test headers ordered by id.
func (s *Store) ListTests(ctx context.Context) ([]model.TestMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, intro, max_score_per_question, duration_sec FROM tests ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list tests: %w", err)
	}
	defer rows.Close()
	var tests []model.TestMetadata
	for rows.Next() {
		var m model.TestMetadata
		var durationSec int64
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.Intro, &m.MaxScorePerQuestion, &durationSec); err != nil {
			return nil, err
		}
		m.Duration = time.Duration(durationSec) * time.Second
		tests = append(tests, m)
	}
	return tests, rows.Err()
}

// CreateSession stores a new active session with its roster.
func (s *Store) CreateSession(ctx context.Context, sess model.TestSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO test_sessions (id, test_id, title, start_time, duration_sec, status) VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.TestID, sess.Title, sess.StartTime.Unix(), int64(sess.Duration/time.Second), string(model.SessionActive),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	for i, studentID := range sess.Roster {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_roster (session_id, student_id, position) VALUES ($1, $2, $3)
			 ON CONFLICT (session_id, student_id) DO NOTHING`,
			sess.ID, studentID, i,
		)
		if err != nil {
			return fmt.Errorf("insert roster entry %s: %w", studentID, err)
		}
	}
	return tx.Commit()
}

// GetSession returns a session with its roster.
func (s *Store) GetSession(ctx context.Context, id string) (model.TestSession, error) {
	var sess model.TestSession
	var startUnix, durationSec int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, test_id, title, start_time, duration_sec, status FROM test_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.TestID, &sess.Title, &startUnix, &durationSec, &sess.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return sess, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return sess, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.StartTime = time.Unix(startUnix, 0)
	sess.Duration = time.Duration(durationSec) * time.Second

	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id FROM session_roster WHERE session_id = $1 ORDER BY position`, id,
	)
	if err != nil {
		return sess, fmt.Errorf("get roster of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var studentID string
		if err := rows.Scan(&studentID); err != nil {
			return sess, err
		}
		sess.Roster = append(sess.Roster, studentID)
	}
	return sess, rows.Err()
}

// CloseSession moves an active session to finished.
func (s *Store) CloseSession(ctx context.Context, id string) error {
	return s.setSessionStatus(ctx, id, model.SessionFinished)
}

// CancelSession moves an active session to cancelled.
func (s *Store) CancelSession(ctx context.Context, id string) error {
	return s.setSessionStatus(ctx, id, model.SessionCancelled)
}

func (s *Store) setSessionStatus(ctx context.Context, id string, to model.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_sessions SET status = $1 WHERE id = $2 AND status = $3`, string(to), id, string(model.SessionActive),
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("session %s is %s: %w", id, current.Status, ErrSessionNotActive)
}

// Driver reports which backend the store is connected to.
func (s *Store) Driver() Driver { return s.driver }
