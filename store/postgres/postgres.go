// Package postgres implements smartmeetos.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smartmeetos/smartmeetos"
)

// Store implements smartmeetos.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ smartmeetos.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The pool remains owned by the caller; Close is a no-op on it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meetings (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			start_time BIGINT NOT NULL,
			end_time BIGINT NOT NULL,
			transcript_url TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			source TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_chunks (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			timestamp BIGINT NOT NULL,
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
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS inputs (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			group_label VARCHAR(100) NOT NULL,
			input_content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_meeting ON transcript_chunks(meeting_id)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_meeting ON extracted_facts(meeting_id)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_group ON extracted_facts(meeting_id, group_label)`,
		`CREATE INDEX IF NOT EXISTS idx_inputs_meeting ON inputs(meeting_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateMeeting inserts a meeting row.
func (s *Store) CreateMeeting(ctx context.Context, m smartmeetos.Meeting) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO meetings (id, title, start_time, end_time, transcript_url, status, source, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.Title, m.StartTime, m.EndTime, nullable(m.TranscriptURL),
		string(m.Status), string(m.Source), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create meeting: %w", err)
	}
	return nil
}

// GetMeeting returns a meeting by ID.
func (s *Store) GetMeeting(ctx context.Context, id string) (smartmeetos.Meeting, error) {
	var m smartmeetos.Meeting
	var transcriptURL *string
	var status, source string
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, start_time, end_time, transcript_url, status, source, created_at
		 FROM meetings WHERE id = $1`, id,
	).Scan(&m.ID, &m.Title, &m.StartTime, &m.EndTime, &transcriptURL, &status, &source, &m.CreatedAt)
	if err != nil {
		return smartmeetos.Meeting{}, fmt.Errorf("get meeting: %w", err)
	}
	if transcriptURL != nil {
		m.TranscriptURL = *transcriptURL
	}
	m.Status = smartmeetos.ProcessingStatus(status)
	m.Source = smartmeetos.MeetingSource(source)
	return m, nil
}

// UpdateMeetingStatus moves a meeting along pending/processing/completed/failed.
func (s *Store) UpdateMeetingStatus(ctx context.Context, meetingID string, status smartmeetos.ProcessingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE meetings SET status = $1 WHERE id = $2`, string(status), meetingID)
	if err != nil {
		return fmt.Errorf("update meeting status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update meeting status: meeting %s not found", meetingID)
	}
	return nil
}

// InsertChunks inserts transcript chunks in a single transaction.
func (s *Store) InsertChunks(ctx context.Context, chunks []smartmeetos.TranscriptChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, c := range chunks {
			_, err := tx.Exec(ctx,
				`INSERT INTO transcript_chunks (id, meeting_id, chunk_index, timestamp, speaker, chunk_content, source)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (meeting_id, chunk_index) DO UPDATE SET
					id = EXCLUDED.id,
					timestamp = EXCLUDED.timestamp,
					speaker = EXCLUDED.speaker,
					chunk_content = EXCLUDED.chunk_content,
					source = EXCLUDED.source`,
				c.ID, c.MeetingID, c.ChunkIndex, c.Timestamp, nullable(c.Speaker), c.Content, string(c.Source))
			if err != nil {
				return fmt.Errorf("insert chunk: %w", err)
			}
		}
		return nil
	})
}

// ListChunks returns a meeting's chunks ordered by chunk_index.
func (s *Store) ListChunks(ctx context.Context, meetingID string) ([]smartmeetos.TranscriptChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, meeting_id, chunk_index, timestamp, speaker, chunk_content, source
		 FROM transcript_chunks WHERE meeting_id = $1 ORDER BY chunk_index`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []smartmeetos.TranscriptChunk
	for rows.Next() {
		var c smartmeetos.TranscriptChunk
		var speaker *string
		var source string
		if err := rows.Scan(&c.ID, &c.MeetingID, &c.ChunkIndex, &c.Timestamp, &speaker, &c.Content, &source); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if speaker != nil {
			c.Speaker = *speaker
		}
		c.Source = smartmeetos.MeetingSource(source)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// InsertFacts inserts extracted facts in a single transaction.
// An empty group label is stored as NULL until the grouping stage fills it.
func (s *Store) InsertFacts(ctx context.Context, facts []smartmeetos.ExtractedFact) error {
	if len(facts) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, f := range facts {
			_, err := tx.Exec(ctx,
				`INSERT INTO extracted_facts (id, meeting_id, source_chunk_id, speaker, fact_type, fact_content, certainty, group_label, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				f.ID, f.MeetingID, f.SourceChunkID, nullable(f.Speaker),
				string(f.FactType), f.FactContent, f.Certainty, nullable(f.GroupLabel), f.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert fact: %w", err)
			}
		}
		return nil
	})
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
	query := `SELECT id, meeting_id, source_chunk_id, speaker, fact_type, fact_content, certainty, group_label, created_at
		 FROM extracted_facts WHERE meeting_id = $1`
	if ungroupedOnly {
		query += ` AND (group_label IS NULL OR group_label = '')`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()

	var facts []smartmeetos.ExtractedFact
	for rows.Next() {
		var f smartmeetos.ExtractedFact
		var speaker, groupLabel *string
		var factType string
		if err := rows.Scan(&f.ID, &f.MeetingID, &f.SourceChunkID, &speaker, &factType, &f.FactContent, &f.Certainty, &groupLabel, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		if speaker != nil {
			f.Speaker = *speaker
		}
		if groupLabel != nil {
			f.GroupLabel = *groupLabel
		}
		f.FactType = smartmeetos.FactType(factType)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// UpdateFactGroupLabels assigns normalized group labels by fact ID.
func (s *Store) UpdateFactGroupLabels(ctx context.Context, labels map[string]string) error {
	if len(labels) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for id, label := range labels {
			if _, err := tx.Exec(ctx,
				`UPDATE extracted_facts SET group_label = $1 WHERE id = $2`, label, id); err != nil {
				return fmt.Errorf("update group label: %w", err)
			}
		}
		return nil
	})
}

// InsertInputs inserts aggregated inputs in a single transaction.
func (s *Store) InsertInputs(ctx context.Context, inputs []smartmeetos.Input) error {
	if len(inputs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, in := range inputs {
			_, err := tx.Exec(ctx,
				`INSERT INTO inputs (id, meeting_id, group_label, input_content, created_at)
				 VALUES ($1, $2, $3, $4, $5)`,
				in.ID, in.MeetingID, in.GroupLabel, in.InputContent, in.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert input: %w", err)
			}
		}
		return nil
	})
}

// ListInputs returns a meeting's inputs ordered by group label.
func (s *Store) ListInputs(ctx context.Context, meetingID string) ([]smartmeetos.Input, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, meeting_id, group_label, input_content, created_at
		 FROM inputs WHERE meeting_id = $1 ORDER BY group_label`, meetingID)
	if err != nil {
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
	return inputs, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// nullable maps an empty string to NULL.
func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
