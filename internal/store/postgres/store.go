// Package postgres implements the schedule store on PostgreSQL.
//
// All concurrency-sensitive operations (claim, finish, optimistic update)
// are single conditional UPDATEs: Postgres acquires the row lock before
// evaluating WHERE, which serializes racing dispatchers without extra
// round-trips or advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/evolvix-software/reportsched/internal/dispatch"
	"github.com/evolvix-software/reportsched/internal/domain"
	"github.com/evolvix-software/reportsched/internal/lifecycle"
	"github.com/evolvix-software/reportsched/internal/sweeper"
)

type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

func New(db *sql.DB, opTimeout time.Duration) *Store {
	if opTimeout == 0 {
		opTimeout = 5 * time.Second
	}
	return &Store{db: db, opTimeout: opTimeout}
}

// InitSchema creates the schedules table and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Store) Create(ctx context.Context, def domain.ScheduleDefinition) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		def.ID,
		def.Name,
		def.ReportType,
		string(def.Frequency),
		def.Anchor,
		def.TimeOfDay.Hour,
		def.TimeOfDay.Minute,
		def.Timezone,
		def.CronExpr,
		pq.StringArray(def.Recipients),
		string(def.Format),
		def.Active,
		def.NextRunAt,
		nullTime(def.LastRunAt),
		string(def.LastOutcome),
		nullTime(def.ClaimedUntil),
		def.Version,
		def.CreatedAt,
		def.UpdatedAt,
	)
	return err
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (domain.ScheduleDefinition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	def, err := scanSchedule(s.db.QueryRowContext(ctx, queryGetSchedule, id))
	if err == sql.ErrNoRows {
		return domain.ScheduleDefinition{}, domain.ErrNotFound
	}
	return def, err
}

// Update performs the optimistic write. Zero rows affected means either
// the schedule vanished or the version moved; the follow-up existence
// check distinguishes the two.
func (s *Store) Update(ctx context.Context, def domain.ScheduleDefinition) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryUpdateSchedule,
		def.ID,
		def.Version,
		def.Name,
		def.ReportType,
		string(def.Frequency),
		def.Anchor,
		def.TimeOfDay.Hour,
		def.TimeOfDay.Minute,
		def.Timezone,
		def.CronExpr,
		pq.StringArray(def.Recipients),
		string(def.Format),
		def.Active,
		def.NextRunAt,
		def.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return s.classifyConditionalWrite(ctx, result, def.ID)
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var deletedID uuid.UUID
	err := s.db.QueryRowContext(ctx, queryDeleteSchedule, id).Scan(&deletedID)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	return err
}

func (s *Store) ListAll(ctx context.Context, limit, offset int) ([]domain.ScheduleDefinition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListSchedules, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduleDefinition, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListDue, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ListMisfired returns active schedules that fell behind the cutoff. The
// due query already expresses this; only the reference instant differs.
func (s *Store) ListMisfired(ctx context.Context, olderThan time.Time, limit int) ([]domain.ScheduleDefinition, error) {
	return s.ListDue(ctx, olderThan, limit)
}

func (s *Store) Claim(ctx context.Context, id uuid.UUID, version int64, until time.Time) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryClaim, id, version, until)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, lease time.Time, outcome domain.RunOutcome, lastRunAt *time.Time, nextRunAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryFinishRun,
		id, lease, string(outcome), nullTime(lastRunAt), nextRunAt)
	if err != nil {
		return err
	}
	return s.classifyConditionalWrite(ctx, result, id)
}

func (s *Store) RecordManualRun(ctx context.Context, id uuid.UUID, outcome domain.RunOutcome, ranAt time.Time) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, queryRecordManualRun, id, string(outcome), ranAt)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// classifyConditionalWrite maps a zero-row conditional UPDATE to
// ErrNotFound or ErrStaleWrite by checking whether the row still exists.
func (s *Store) classifyConditionalWrite(ctx context.Context, result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists uuid.UUID
	err = s.db.QueryRowContext(ctx, "SELECT id FROM report_schedules WHERE id = $1", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrStaleWrite
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.ScheduleDefinition, error) {
	var def domain.ScheduleDefinition
	var frequency, format, outcome string
	var recipients pq.StringArray
	var lastRunAt, claimedUntil sql.NullTime

	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.ReportType,
		&frequency,
		&def.Anchor,
		&def.TimeOfDay.Hour,
		&def.TimeOfDay.Minute,
		&def.Timezone,
		&def.CronExpr,
		&recipients,
		&format,
		&def.Active,
		&def.NextRunAt,
		&lastRunAt,
		&outcome,
		&claimedUntil,
		&def.Version,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return domain.ScheduleDefinition{}, err
	}

	def.Frequency = domain.Frequency(frequency)
	def.Format = domain.Format(format)
	def.LastOutcome = domain.RunOutcome(outcome)
	def.Recipients = []string(recipients)
	if lastRunAt.Valid {
		t := lastRunAt.Time.UTC()
		def.LastRunAt = &t
	}
	if claimedUntil.Valid {
		t := claimedUntil.Time.UTC()
		def.ClaimedUntil = &t
	}
	def.NextRunAt = def.NextRunAt.UTC()
	return def, nil
}

func scanSchedules(rows *sql.Rows) ([]domain.ScheduleDefinition, error) {
	var result []domain.ScheduleDefinition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time interface assertions
var (
	_ lifecycle.Store = (*Store)(nil)
	_ dispatch.Store  = (*Store)(nil)
	_ sweeper.Store   = (*Store)(nil)
)
