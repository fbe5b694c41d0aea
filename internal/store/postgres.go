package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmir/prearchive/internal/model"
)

// PostgresStore persists session records, the experiment catalog and inbox
// import requests in Postgres. All gate transitions are single conditional
// UPDATEs, so the database's row atomicity is the mutual-exclusion mechanism
// even with many worker processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `project, ts, folder, status, status_time, subject, label,
	source_dir, last_built, prevent_auto_commit, prevent_anonymization,
	message, additional_values, created_at`

func scanSession(row pgx.Row) (*model.SessionRecord, error) {
	var (
		rec    model.SessionRecord
		values []byte
	)
	err := row.Scan(&rec.Key.Project, &rec.Key.Timestamp, &rec.Key.Folder,
		&rec.Status, &rec.StatusTime, &rec.Subject, &rec.Label,
		&rec.SourceDir, &rec.LastBuilt, &rec.PreventAutoCommit,
		&rec.PreventAnonymization, &rec.Message, &values, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(values) > 0 {
		if err := json.Unmarshal(values, &rec.AdditionalValues); err != nil {
			return nil, fmt.Errorf("decode additional values: %w", err)
		}
	}
	return &rec, nil
}

// Get returns the record for the key, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, key model.SessionKey) (*model.SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM prearchive_sessions
		WHERE project=$1 AND ts=$2 AND folder=$3
	`, key.ProjectOrUnassigned(), key.Timestamp, key.Folder)
	return scanSession(row)
}

// Add inserts the record; ON CONFLICT DO NOTHING turns an insert race into a
// checkable ErrConflict for the loser.
func (s *PostgresStore) Add(ctx context.Context, rec *model.SessionRecord) error {
	values, err := json.Marshal(rec.AdditionalValues)
	if err != nil {
		return fmt.Errorf("encode additional values: %w", err)
	}
	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO prearchive_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (project, ts, folder) DO NOTHING
	`, rec.Key.ProjectOrUnassigned(), rec.Key.Timestamp, rec.Key.Folder,
		rec.Status, now, rec.Subject, rec.Label, rec.SourceDir, rec.LastBuilt,
		rec.PreventAutoCommit, rec.PreventAnonymization, rec.Message, values, created)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Remove deletes the record.
func (s *PostgresStore) Remove(ctx context.Context, key model.SessionKey) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM prearchive_sessions WHERE project=$1 AND ts=$2 AND folder=$3
	`, key.ProjectOrUnassigned(), key.Timestamp, key.Folder)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Find lists sessions filtered by project and/or timestamp.
func (s *PostgresStore) Find(ctx context.Context, project, timestamp string) ([]*model.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM prearchive_sessions
		WHERE ($1 = '' OR project = $1) AND ($2 = '' OR ts = $2)
		ORDER BY project, ts, folder
	`, project, timestamp)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TryTransition performs the gate CAS as one conditional UPDATE. RowsAffected
// tells whether this caller won.
func (s *PostgresStore) TryTransition(ctx context.Context, key model.SessionKey, allowedFrom []model.SessionStatus, next model.SessionStatus) (bool, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return false, err
	}
	from := allowedFrom
	if len(from) == 0 {
		from = model.StableStatuses
	}
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE prearchive_sessions
		SET status=$1, status_time=$2
		WHERE project=$3 AND ts=$4 AND folder=$5 AND status = ANY($6)
	`, next, time.Now().UTC(), key.ProjectOrUnassigned(), key.Timestamp, key.Folder, states)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ForceStatus sets the status unconditionally.
func (s *PostgresStore) ForceStatus(ctx context.Context, key model.SessionKey, status model.SessionStatus, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE prearchive_sessions
		SET status=$1, message=$2, status_time=$3
		WHERE project=$4 AND ts=$5 AND folder=$6
	`, status, message, time.Now().UTC(), key.ProjectOrUnassigned(), key.Timestamp, key.Folder)
	if err != nil {
		return fmt.Errorf("force status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Update persists metadata fields without touching status.
func (s *PostgresStore) Update(ctx context.Context, rec *model.SessionRecord) error {
	values, err := json.Marshal(rec.AdditionalValues)
	if err != nil {
		return fmt.Errorf("encode additional values: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE prearchive_sessions
		SET subject=$1, label=$2, source_dir=$3, last_built=$4,
			prevent_auto_commit=$5, prevent_anonymization=$6, additional_values=$7
		WHERE project=$8 AND ts=$9 AND folder=$10
	`, rec.Subject, rec.Label, rec.SourceDir, rec.LastBuilt,
		rec.PreventAutoCommit, rec.PreventAnonymization, values,
		rec.Key.ProjectOrUnassigned(), rec.Key.Timestamp, rec.Key.Folder)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindStale returns in-flight sessions whose status time predates the cutoff.
func (s *PostgresStore) FindStale(ctx context.Context, cutoff time.Time) ([]*model.SessionRecord, error) {
	inFlight := []string{
		string(model.StatusBuilding), string(model.StatusReceiving),
		string(model.StatusArchiving), string(model.StatusQueuedMoving),
		string(model.StatusQueuedDeleting), string(model.StatusQueuedRebuilding),
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM prearchive_sessions
		WHERE status = ANY($1) AND status_time < $2
	`, inFlight, cutoff)
	if err != nil {
		return nil, fmt.Errorf("select stale sessions: %w", err)
	}
	defer rows.Close()
	var out []*model.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveExperiment records a committed archive catalog entry.
func (s *PostgresStore) SaveExperiment(ctx context.Context, exp *model.Experiment) error {
	created := exp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO experiments (id, project, subject, label, location, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET location = EXCLUDED.location
	`, exp.ID, exp.Project, exp.Subject, exp.Label, exp.Location, created)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

func scanExperiment(row pgx.Row) (*model.Experiment, error) {
	var exp model.Experiment
	err := row.Scan(&exp.ID, &exp.Project, &exp.Subject, &exp.Label, &exp.Location, &exp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan experiment: %w", err)
	}
	return &exp, nil
}

// FindExperimentByID matches by id within a project (any project when empty).
func (s *PostgresStore) FindExperimentByID(ctx context.Context, project, id string) (*model.Experiment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project, subject, label, location, created_at FROM experiments
		WHERE id=$1 AND ($2 = '' OR project = $2)
	`, id, project)
	return scanExperiment(row)
}

// FindExperimentByLabel matches by label; without a project hint a label seen
// in more than one project is ErrAmbiguous.
func (s *PostgresStore) FindExperimentByLabel(ctx context.Context, project, label string) (*model.Experiment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, subject, label, location, created_at FROM experiments
		WHERE label=$1 AND ($2 = '' OR project = $2)
		LIMIT 2
	`, label, project)
	if err != nil {
		return nil, fmt.Errorf("select experiments: %w", err)
	}
	defer rows.Close()
	var found []*model.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch {
	case len(found) == 0:
		return nil, ErrNotFound
	case len(found) > 1 && found[0].Project != found[1].Project:
		return nil, ErrAmbiguous
	default:
		return found[0], nil
	}
}

// FindExperimentsBySubject lists the subject's archived experiments.
func (s *PostgresStore) FindExperimentsBySubject(ctx context.Context, subject string) ([]*model.Experiment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, project, subject, label, location, created_at FROM experiments
		WHERE subject=$1
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("select experiments: %w", err)
	}
	defer rows.Close()
	var out []*model.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// CreateInboxRequest persists a new inbox import request.
func (s *PostgresStore) CreateInboxRequest(ctx context.Context, req *model.InboxImportRequest) error {
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	now := time.Now().UTC()
	created := req.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO inbox_imports (id, username, session_path, parameters, phase,
			cleanup_after_import, resolution, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, req.ID, req.Username, req.SessionPath, params, req.Phase,
		req.CleanupAfterImport, req.Resolution, created, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("insert inbox request: %w", err)
	}
	return nil
}

func scanInbox(row pgx.Row) (*model.InboxImportRequest, error) {
	var (
		req    model.InboxImportRequest
		params []byte
	)
	err := row.Scan(&req.ID, &req.Username, &req.SessionPath, &params, &req.Phase,
		&req.CleanupAfterImport, &req.Resolution, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan inbox request: %w", err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	return &req, nil
}

// GetInboxRequest returns the request, or ErrNotFound.
func (s *PostgresStore) GetInboxRequest(ctx context.Context, id string) (*model.InboxImportRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, session_path, parameters, phase, cleanup_after_import,
			resolution, created_at, updated_at
		FROM inbox_imports WHERE id=$1
	`, id)
	return scanInbox(row)
}

// AdvanceInboxPhase moves the phase forward; a regressive or terminal-state
// update affects no rows and reports ErrConflict.
func (s *PostgresStore) AdvanceInboxPhase(ctx context.Context, id string, phase model.InboxPhase, resolution string) error {
	req, err := s.GetInboxRequest(ctx, id)
	if err != nil {
		return err
	}
	if !req.Phase.CanAdvanceTo(phase) {
		return ErrConflict
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE inbox_imports
		SET phase=$1, resolution = CASE WHEN $2 = '' THEN resolution ELSE $2 END, updated_at=$3
		WHERE id=$4 AND phase=$5
	`, phase, resolution, time.Now().UTC(), id, req.Phase)
	if err != nil {
		return fmt.Errorf("update inbox request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListInboxRequests lists requests, optionally for one user.
func (s *PostgresStore) ListInboxRequests(ctx context.Context, username string) ([]*model.InboxImportRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, session_path, parameters, phase, cleanup_after_import,
			resolution, created_at, updated_at
		FROM inbox_imports
		WHERE ($1 = '' OR username = $1)
		ORDER BY created_at
	`, username)
	if err != nil {
		return nil, fmt.Errorf("select inbox requests: %w", err)
	}
	defer rows.Close()
	var out []*model.InboxImportRequest
	for rows.Next() {
		req, err := scanInbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
