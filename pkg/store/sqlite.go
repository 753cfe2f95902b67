package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/panelfeed/pkg/panel"
)

// SQLiteStore persists every collection in one panel_records table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

const recordColumns = `id, session_id, created_at_ms, updated_at_ms, content, author_name,
	answered, anonymous, options_json, active, poll_id, option_id, voter_id`

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile derives a DSN with WAL and a busy timeout for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS panel_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL DEFAULT '',
			author_name TEXT NOT NULL DEFAULT '',
			answered INTEGER NOT NULL DEFAULT 0,
			anonymous INTEGER NOT NULL DEFAULT 0,
			options_json TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0,
			poll_id TEXT NOT NULL DEFAULT '',
			option_id TEXT NOT NULL DEFAULT '',
			voter_id TEXT NOT NULL DEFAULT '',
			UNIQUE(collection, session_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS panel_records_by_created
			ON panel_records(collection, session_id, created_at_ms)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS panel_votes_by_voter
			ON panel_records(session_id, poll_id, voter_id)
			WHERE collection = 'poll_votes' AND voter_id <> ''`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (panel.Record, error) {
	var (
		rec                 panel.Record
		createdMs, updateMs int64
		answered, anonymous int64
		active              int64
		optionsJSON         string
	)
	if err := sc.Scan(&rec.ID, &rec.SessionID, &createdMs, &updateMs, &rec.Content, &rec.AuthorName,
		&answered, &anonymous, &optionsJSON, &active, &rec.PollID, &rec.OptionID, &rec.VoterID); err != nil {
		return panel.Record{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	if updateMs > 0 {
		rec.UpdatedAt = time.UnixMilli(updateMs).UTC()
	}
	rec.Answered = answered == 1
	rec.Anonymous = anonymous == 1
	rec.Active = active == 1
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &rec.Options); err != nil {
			return panel.Record{}, errors.Wrap(err, "decode poll options")
		}
	}
	return rec, nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func optionsJSON(opts []panel.PollOption) (string, error) {
	if len(opts) == 0 {
		return "", nil
	}
	b, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func updatedMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func (s *SQLiteStore) Query(ctx context.Context, collection string, filter Filter, order Order) ([]panel.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	if err := validateCollection(collection); err != nil {
		return nil, errors.Wrap(err, "sqlite store")
	}
	if strings.TrimSpace(filter.SessionID) == "" {
		return nil, errors.New("sqlite store: session_id filter is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := strings.Builder{}
	query.WriteString(`SELECT ` + recordColumns + ` FROM panel_records WHERE collection = ? AND session_id = ?`)
	args := []any{collection, filter.SessionID}
	if filter.PollID != "" {
		query.WriteString(` AND poll_id = ?`)
		args = append(args, filter.PollID)
	}
	if order == OrderCreatedAsc {
		query.WriteString(` ORDER BY created_at_ms ASC, seq ASC`)
	} else {
		query.WriteString(` ORDER BY created_at_ms DESC, seq DESC`)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: query")
	}
	defer func() { _ = rows.Close() }()

	out := []panel.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: rows")
	}
	return out, nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, sessionID, id string) (panel.Record, error) {
	if s == nil || s.db == nil {
		return panel.Record{}, errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return getRecord(ctx, s.db, collection, sessionID, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecord(ctx context.Context, q queryRower, collection, sessionID, id string) (panel.Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM panel_records
		WHERE collection = ? AND session_id = ? AND id = ?`, collection, sessionID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return panel.Record{}, &panel.NotFoundError{Collection: collection, ID: id}
	}
	if err != nil {
		return panel.Record{}, errors.Wrap(err, "sqlite store: get")
	}
	return rec, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, collection string, rec panel.Record) (Mutation, error) {
	if s == nil || s.db == nil {
		return Mutation{}, errors.New("sqlite store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now()
	rec, err := prepareInsert(collection, rec, now)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: insert"))
	}
	opts, err := optionsJSON(rec.Options)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: encode options"))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: begin"))
	}
	defer func() { _ = tx.Rollback() }()

	if collection == panel.CollectionPollVotes {
		poll, err := getRecord(ctx, tx, panel.CollectionPolls, rec.SessionID, rec.PollID)
		if err != nil {
			return Mutation{}, writeErr(collection, err)
		}
		if err := checkVote(poll, rec); err != nil {
			return Mutation{}, writeErr(collection, err)
		}
		if rec.VoterID != "" {
			m, done, err := s.revote(ctx, tx, rec, now)
			if err != nil {
				return Mutation{}, writeErr(collection, err)
			}
			if done {
				if err := tx.Commit(); err != nil {
					return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: commit"))
				}
				return m, nil
			}
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO panel_records (
			collection, id, session_id, created_at_ms, updated_at_ms, content, author_name,
			answered, anonymous, options_json, active, poll_id, option_id, voter_id
		) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		collection, rec.ID, rec.SessionID, rec.CreatedAt.UnixMilli(), rec.Content, rec.AuthorName,
		boolInt(rec.Answered), boolInt(rec.Anonymous), opts, boolInt(rec.Active),
		rec.PollID, rec.OptionID, rec.VoterID)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: insert"))
	}
	if err := tx.Commit(); err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: commit"))
	}
	return Mutation{Type: panel.EventInserted, Collection: collection, Record: rec}, nil
}

// revote applies the (poll, voter) upsert. done is false when the voter has no vote yet.
func (s *SQLiteStore) revote(ctx context.Context, tx *sql.Tx, rec panel.Record, now time.Time) (Mutation, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM panel_records
		WHERE collection = ? AND session_id = ? AND poll_id = ? AND voter_id = ?`,
		panel.CollectionPollVotes, rec.SessionID, rec.PollID, rec.VoterID)
	existing, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mutation{}, false, nil
	}
	if err != nil {
		return Mutation{}, false, errors.Wrap(err, "sqlite store: lookup vote")
	}
	if existing.OptionID == rec.OptionID {
		return Mutation{Type: panel.EventUpdated, Collection: panel.CollectionPollVotes, Record: existing, Noop: true}, true, nil
	}
	existing.OptionID = rec.OptionID
	existing.UpdatedAt = now.UTC().Truncate(time.Millisecond)
	_, err = tx.ExecContext(ctx, `UPDATE panel_records SET option_id = ?, updated_at_ms = ?
		WHERE collection = ? AND session_id = ? AND id = ?`,
		existing.OptionID, existing.UpdatedAt.UnixMilli(), panel.CollectionPollVotes, existing.SessionID, existing.ID)
	if err != nil {
		return Mutation{}, false, errors.Wrap(err, "sqlite store: move vote")
	}
	return Mutation{Type: panel.EventUpdated, Collection: panel.CollectionPollVotes, Record: existing}, true, nil
}

func (s *SQLiteStore) Update(ctx context.Context, collection string, rec panel.Record) (Mutation, error) {
	if s == nil || s.db == nil {
		return Mutation{}, errors.New("sqlite store: db is nil")
	}
	if err := validateCollection(collection); err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: update"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: begin"))
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getRecord(ctx, tx, collection, rec.SessionID, rec.ID)
	if err != nil {
		return Mutation{}, writeErr(collection, err)
	}
	merged := mergeUpdate(existing, rec, s.now())
	opts, err := optionsJSON(merged.Options)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: encode options"))
	}
	_, err = tx.ExecContext(ctx, `UPDATE panel_records SET
			updated_at_ms = ?, content = ?, author_name = ?, answered = ?, anonymous = ?,
			options_json = ?, active = ?, poll_id = ?, option_id = ?, voter_id = ?
		WHERE collection = ? AND session_id = ? AND id = ?`,
		updatedMs(merged.UpdatedAt), merged.Content, merged.AuthorName, boolInt(merged.Answered), boolInt(merged.Anonymous),
		opts, boolInt(merged.Active), merged.PollID, merged.OptionID, merged.VoterID,
		collection, merged.SessionID, merged.ID)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: update"))
	}
	if err := tx.Commit(); err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: commit"))
	}
	return Mutation{Type: panel.EventUpdated, Collection: collection, Record: merged}, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, sessionID, id string) (Mutation, error) {
	if s == nil || s.db == nil {
		return Mutation{}, errors.New("sqlite store: db is nil")
	}
	if err := validateCollection(collection); err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: delete"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: begin"))
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getRecord(ctx, tx, collection, sessionID, id)
	if err != nil {
		return Mutation{}, writeErr(collection, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM panel_records WHERE collection = ? AND session_id = ? AND id = ?`,
		collection, sessionID, id); err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: delete"))
	}
	if collection == panel.CollectionPolls {
		if _, err := tx.ExecContext(ctx, `DELETE FROM panel_records WHERE collection = ? AND session_id = ? AND poll_id = ?`,
			panel.CollectionPollVotes, sessionID, id); err != nil {
			return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: delete poll votes"))
		}
	}
	if err := tx.Commit(); err != nil {
		return Mutation{}, writeErr(collection, errors.Wrap(err, "sqlite store: commit"))
	}
	return Mutation{Type: panel.EventDeleted, Collection: collection, Record: existing}, nil
}
