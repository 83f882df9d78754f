// Package sqlite implements smartmeetos.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/smartmeetos/smartmeetos"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements smartmeetos.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ smartmeetos.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: smartmeetos.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS meetings (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			transcript_url TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_chunks (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			speaker TEXT,
			chunk_content TEXT NOT NULL,
			source TEXT NOT NULL,
			UNIQUE(meeting_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS extracted_facts (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			source_chunk_id TEXT NOT NULL,
			speaker TEXT,
			fact_type TEXT NOT NULL DEFAULT 'statement',
			fact_content TEXT NOT NULL,
			certainty INTEGER NOT NULL DEFAULT 70,
			group_label VARCHAR(100),
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inputs (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			group_label VARCHAR(100) NOT NULL,
			input_content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chunks_meeting ON transcript_chunks(meeting_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_meeting ON extracted_facts(meeting_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_group ON extracted_facts(meeting_id, group_label)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_inputs_meeting ON inputs(meeting_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// CreateMeeting inserts a meeting row.
func (s *Store) CreateMeeting(ctx context.Context, m smartmeetos.Meeting) error {
	start := time.Now()
	s.logger.Debug("sqlite: create meeting", "id", m.ID, "title", m.Title, "status", m.Status)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meetings (id, title, start_time, end_time, transcript_url, status, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.StartTime, m.EndTime, nullable(m.TranscriptURL),
		string(m.Status), string(m.Source), m.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create meeting failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create meeting: %w", err)
	}
	s.logger.Debug("sqlite: create meeting ok", "id", m.ID, "duration", time.Since(start))
	return nil
}

// GetMeeting returns a meeting by ID.
func (s *Store) GetMeeting(ctx context.Context, id string) (smartmeetos.Meeting, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get meeting", "id", id)

	var m smartmeetos.Meeting
	var transcriptURL sql.NullString
	var status, source string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, start_time, end_time, transcript_url, status, source, created_at
		 FROM meetings WHERE id = ?`, id,
	).Scan(&m.ID, &m.Title, &m.StartTime, &m.EndTime, &transcriptURL, &status, &source, &m.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: get meeting failed", "id", id, "error", err, "duration", time.Since(start))
		return smartmeetos.Meeting{}, fmt.Errorf("get meeting: %w", err)
	}
	if transcriptURL.Valid {
		m.TranscriptURL = transcriptURL.String
	}
	m.Status = smartmeetos.ProcessingStatus(status)
	m.Source = smartmeetos.MeetingSource(source)
	s.logger.Debug("sqlite: get meeting ok", "id", id, "duration", time.Since(start))
	return m, nil
}

// UpdateMeetingStatus moves a meeting along pending/processing/completed/failed.
func (s *Store) UpdateMeetingStatus(ctx context.Context, meetingID string, status smartmeetos.ProcessingStatus) error {
	start := time.Now()
	s.logger.Debug("sqlite: update meeting status", "id", meetingID, "status", status)

	res, err := s.db.ExecContext(ctx,
		`UPDATE meetings SET status = ? WHERE id = ?`, string(status), meetingID)
	if err != nil {
		s.logger.Error("sqlite: update meeting status failed", "id", meetingID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update meeting status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update meeting status: meeting %s not found", meetingID)
	}
	s.logger.Debug("sqlite: update meeting status ok", "id", meetingID, "duration", time.Since(start))
	return nil
}

// InsertChunks inserts transcript chunks in a single transaction.
func (s *Store) InsertChunks(ctx context.Context, chunks []smartmeetos.TranscriptChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: insert chunks", "count", len(chunks))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO transcript_chunks (id, meeting_id, chunk_index, timestamp, speaker, chunk_content, source)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.MeetingID, c.ChunkIndex, c.Timestamp, nullable(c.Speaker), c.Content, string(c.Source),
		)
		if err != nil {
			s.logger.Error("sqlite: insert chunk failed", "chunk_id", c.ID, "error", err)
			return fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: insert chunks commit failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: insert chunks ok", "count", len(chunks), "duration", time.Since(start))
	return nil
}

// ListChunks returns a meeting's chunks ordered by chunk_index.
func (s *Store) ListChunks(ctx context.Context, meetingID string) ([]smartmeetos.TranscriptChunk, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list chunks", "meeting_id", meetingID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meeting_id, chunk_index, timestamp, speaker, chunk_content, source
		 FROM transcript_chunks WHERE meeting_id = ? ORDER BY chunk_index`, meetingID)
	if err != nil {
		s.logger.Error("sqlite: list chunks failed", "meeting_id", meetingID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []smartmeetos.TranscriptChunk
	for rows.Next() {
		var c smartmeetos.TranscriptChunk
		var speaker sql.NullString
		var source string
		if err := rows.Scan(&c.ID, &c.MeetingID, &c.ChunkIndex, &c.Timestamp, &speaker, &c.Content, &source); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if speaker.Valid {
			c.Speaker = speaker.String
		}
		c.Source = smartmeetos.MeetingSource(source)
		chunks = append(chunks, c)
	}
	s.logger.Debug("sqlite: list chunks ok", "meeting_id", meetingID, "count", len(chunks), "duration", time.Since(start))
	return chunks, rows.Err()
}

// InsertFacts inserts extracted facts in a single transaction.
// An empty group label is stored as NULL until the grouping stage fills it.
func (s *Store) InsertFacts(ctx context.Context, facts []smartmeetos.ExtractedFact) error {
	if len(facts) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: insert facts", "count", len(facts))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, f := range facts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO extracted_facts (id, meeting_id, source_chunk_id, speaker, fact_type, fact_content, certainty, group_label, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.MeetingID, f.SourceChunkID, nullable(f.Speaker),
			string(f.FactType), f.FactContent, f.Certainty, nullable(f.GroupLabel), f.CreatedAt,
		)
		if err != nil {
			s.logger.Error("sqlite: insert fact failed", "fact_id", f.ID, "error", err)
			return fmt.Errorf("insert fact: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: insert facts commit failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: insert facts ok", "count", len(facts), "duration", time.Since(start))
	return nil
}

// ListFactsByMeeting returns all of a meeting's facts ordered by creation time.
func (s *Store) ListFactsByMeeting(ctx context.Context, meetingID string) ([]smartmeetos.ExtractedFact, error) {
	return s.listFacts(ctx, meetingID, false)
}

// ListUngroupedFacts returns facts with no group label yet, ordered by
// creation time.
func (s *Store) ListUngroupedFacts(ctx context.Context, meetingID string) ([]smartmeetos.ExtractedFact, error) {
	return s.listFacts(ctx, meetingID, true)
}

func (s *Store) listFacts(ctx context.Context, meetingID string, ungroupedOnly bool) ([]smartmeetos.ExtractedFact, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list facts", "meeting_id", meetingID, "ungrouped_only", ungroupedOnly)

	query := `SELECT id, meeting_id, source_chunk_id, speaker, fact_type, fact_content, certainty, group_label, created_at
		 FROM extracted_facts WHERE meeting_id = ?`
	if ungroupedOnly {
		query += ` AND (group_label IS NULL OR group_label = '')`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, meetingID)
	if err != nil {
		s.logger.Error("sqlite: list facts failed", "meeting_id", meetingID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []smartmeetos.ExtractedFact
	for rows.Next() {
		var f smartmeetos.ExtractedFact
		var speaker, groupLabel sql.NullString
		var factType string
		if err := rows.Scan(&f.ID, &f.MeetingID, &f.SourceChunkID, &speaker, &factType, &f.FactContent, &f.Certainty, &groupLabel, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if speaker.Valid {
			f.Speaker = speaker.String
		}
		if groupLabel.Valid {
			f.GroupLabel = groupLabel.String
		}
		f.FactType = smartmeetos.FactType(factType)
		facts = append(facts, f)
	}
	s.logger.Debug("sqlite: list facts ok", "meeting_id", meetingID, "count", len(facts), "duration", time.Since(start))
	return facts, rows.Err()
}

// UpdateFactGroupLabels assigns normalized group labels by fact ID.
func (s *Store) UpdateFactGroupLabels(ctx context.Context, labels map[string]string) error {
	if len(labels) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: update fact group labels", "count", len(labels))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for id, label := range labels {
		if _, err := tx.ExecContext(ctx,
			`UPDATE extracted_facts SET group_label = ? WHERE id = ?`, label, id); err != nil {
			s.logger.Error("sqlite: update fact group label failed", "fact_id", id, "error", err)
			return fmt.Errorf("update group label: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: update fact group labels commit failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: update fact group labels ok", "count", len(labels), "duration", time.Since(start))
	return nil
}

// InsertInputs inserts aggregated inputs in a single transaction.
func (s *Store) InsertInputs(ctx context.Context, inputs []smartmeetos.Input) error {
	if len(inputs) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: insert inputs", "count", len(inputs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, in := range inputs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO inputs (id, meeting_id, group_label, input_content, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			in.ID, in.MeetingID, in.GroupLabel, in.InputContent, in.CreatedAt,
		)
		if err != nil {
			s.logger.Error("sqlite: insert input failed", "input_id", in.ID, "error", err)
			return fmt.Errorf("insert input: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: insert inputs commit failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: insert inputs ok", "count", len(inputs), "duration", time.Since(start))
	return nil
}

// ListInputs returns a meeting's inputs ordered by group label.
func (s *Store) ListInputs(ctx context.Context, meetingID string) ([]smartmeetos.Input, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list inputs", "meeting_id", meetingID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, meeting_id, group_label, input_content, created_at
		 FROM inputs WHERE meeting_id = ? ORDER BY group_label`, meetingID)
	if err != nil {
		s.logger.Error("sqlite: list inputs failed", "meeting_id", meetingID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list inputs: %w", err)
	}
	defer rows.Close()

	var inputs []smartmeetos.Input
	for rows.Next() {
		var in smartmeetos.Input
		if err := rows.Scan(&in.ID, &in.MeetingID, &in.GroupLabel, &in.InputContent, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan input: %w", err)
		}
		inputs = append(inputs, in)
	}
	s.logger.Debug("sqlite: list inputs ok", "meeting_id", meetingID, "count", len(inputs), "duration", time.Since(start))
	return inputs, rows.Err()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// nullable maps an empty string to NULL.
func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
