package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/Chapsvision-dev/cloudbackupd/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name   string
	driver string
	goose  string
	// lock is appended to row reads that must serialize with writers.
	lock   string
	dollar bool
	// setup runs once per connection pool after open.
	setup []string
}

var (
	SQLite = Dialect{
		Name:   "sqlite",
		driver: "sqlite",
		goose:  "sqlite3",
		setup: []string{
			`PRAGMA busy_timeout=5000;`,
			`PRAGMA journal_mode=WAL;`,
			`PRAGMA synchronous=FULL;`,
		},
	}
	Postgres = Dialect{
		Name:   "postgres",
		driver: "pgx",
		goose:  "postgres",
		lock:   " FOR UPDATE",
		dollar: true,
	}
)

// DialectByName resolves the STORE_DRIVER value.
func DialectByName(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("%w: unsupported store driver %q", model.ErrInvalidArgument, name)
}

// SQL is a Store on database/sql. Per-job serialization comes from row locks
// (postgres) or the single writer connection (sqlite).
type SQL struct {
	db   *sql.DB
	d    Dialect
	opts options
}

var _ Store = (*SQL)(nil)

// OpenSQL connects, applies pending migrations and returns a ready store.
func OpenSQL(ctx context.Context, d Dialect, dsn string, opts ...Option) (*SQL, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if d.Name == SQLite.Name {
		// One connection keeps transactions from tripping SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	for _, stmt := range d.setup {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s setup %q: %w", d.Name, stmt, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name, err)
	}
	if err := migrate(db, d); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("action", "store_open").Str("driver", d.Name).Msg("store ready")
	return &SQL{db: db, d: d, opts: buildOptions(opts)}, nil
}

func migrate(db *sql.DB, d Dialect) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(d.goose); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

// q rewrites ? placeholders for dialects that number them.
func (s *SQL) q(query string) string {
	if !s.d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const jobColumns = `id, task_name, volume_id, direction, credential_id, target, state,
	parent_backup_id, source_backup_id, policy_name, node_id, snapshot_id,
	created_at, last_state_change_at, heartbeat_at,
	bytes_done, bytes_total, chunks_done, chunks_total,
	error_detail, attempts, cleaned_up, labels, revision`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*model.Job, error) {
	var (
		j                      model.Job
		task                   sql.NullString
		created, changed, beat int64
		cleaned                int
		labels                 string
		dir, state             string
	)
	err := r.Scan(&j.ID, &task, &j.VolumeID, &dir, &j.CredentialID, &j.Target, &state,
		&j.ParentBackupID, &j.SourceBackupID, &j.PolicyName, &j.NodeID, &j.SnapshotID,
		&created, &changed, &beat,
		&j.BytesDone, &j.BytesTotal, &j.ChunksDone, &j.ChunksTotal,
		&j.ErrorDetail, &j.Attempts, &cleaned, &labels, &j.Revision)
	if err != nil {
		return nil, err
	}
	j.TaskName = task.String
	j.Direction = model.Direction(dir)
	j.State = model.State(state)
	j.CreatedAt = fromNanos(created)
	j.LastStateChangeAt = fromNanos(changed)
	j.HeartbeatAt = fromNanos(beat)
	j.CleanedUp = cleaned != 0
	if labels != "" && labels != "{}" {
		if err := json.Unmarshal([]byte(labels), &j.Labels); err != nil {
			return nil, fmt.Errorf("decode labels of %s: %w", j.ID, err)
		}
	}
	return &j, nil
}

func jobArgs(j *model.Job) ([]any, error) {
	labels := []byte("{}")
	if len(j.Labels) > 0 {
		var err error
		if labels, err = json.Marshal(j.Labels); err != nil {
			return nil, err
		}
	}
	var task sql.NullString
	if j.TaskName != "" {
		task = sql.NullString{String: j.TaskName, Valid: true}
	}
	cleaned := 0
	if j.CleanedUp {
		cleaned = 1
	}
	return []any{j.ID, task, j.VolumeID, string(j.Direction), j.CredentialID, j.Target, string(j.State),
		j.ParentBackupID, j.SourceBackupID, j.PolicyName, j.NodeID, j.SnapshotID,
		toNanos(j.CreatedAt), toNanos(j.LastStateChangeAt), toNanos(j.HeartbeatAt),
		j.BytesDone, j.BytesTotal, j.ChunksDone, j.ChunksTotal,
		j.ErrorDetail, j.Attempts, cleaned, string(labels), j.Revision}, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// withTx runs fn in a transaction, committing iff fn returns nil.
func (s *SQL) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", model.ErrInternal, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", model.ErrInternal, err)
	}
	return nil
}

func (s *SQL) lockJob(ctx context.Context, tx *sql.Tx, id string) (*model.Job, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM backup_jobs WHERE id = ?`+s.d.lock), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load job %s: %v", model.ErrInternal, id, err)
	}
	return j, nil
}

func (s *SQL) Create(ctx context.Context, job *model.Job) error {
	if err := validateNew(job); err != nil {
		return err
	}
	j := job.Clone()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = s.opts.now()
	}
	j.LastStateChangeAt = j.CreatedAt
	j.Revision = 1

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if refID := j.References(); refID != "" {
			ref, err := s.lockJob(ctx, tx, refID)
			if err != nil {
				return fmt.Errorf("referenced backup: %w", err)
			}
			if err := checkReference(j, ref); err != nil {
				return err
			}
		}
		if j.TaskName != "" {
			var other string
			err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM backup_jobs WHERE task_name = ?`), j.TaskName).Scan(&other)
			if err == nil {
				return fmt.Errorf("%w: task %s is job %s", model.ErrAlreadyExists, j.TaskName, other)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: lookup task: %v", model.ErrInternal, err)
			}
		}
		args, err := jobArgs(j)
		if err != nil {
			return fmt.Errorf("%w: encode job: %v", model.ErrInternal, err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO backup_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s or task %q", model.ErrAlreadyExists, j.ID, j.TaskName)
		}
		if err != nil {
			return fmt.Errorf("%w: insert job: %v", model.ErrInternal, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	*job = *j
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM backup_jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load job %s: %v", model.ErrInternal, id, err)
	}
	return j, nil
}

func (s *SQL) List(ctx context.Context, f model.Filter) ([]*model.Job, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.VolumeID != "" {
		add("volume_id = ?", f.VolumeID)
	}
	if f.Direction != "" {
		add("direction = ?", string(f.Direction))
	}
	if f.PolicyName != "" {
		add("policy_name = ?", f.PolicyName)
	}
	if f.TaskName != "" {
		add("task_name = ?", f.TaskName)
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}
	query := `SELECT ` + jobColumns + ` FROM backup_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", model.ErrInternal, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", model.ErrInternal, err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", model.ErrInternal, err)
	}
	return out, nil
}

func (s *SQL) Update(ctx context.Context, id string, expect model.State, fn func(*model.Job) error) (*model.Job, error) {
	var next *model.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if next, err = applyUpdate(cur, expect, s.opts.now(), fn); err != nil {
			return err
		}
		args, err := jobArgs(next)
		if err != nil {
			return fmt.Errorf("%w: encode job: %v", model.ErrInternal, err)
		}
		// Drop the insert-only leading columns and key the write on revision.
		res, err := tx.ExecContext(ctx, s.q(`UPDATE backup_jobs SET
			credential_id = ?, target = ?, state = ?, policy_name = ?, node_id = ?, snapshot_id = ?,
			last_state_change_at = ?, heartbeat_at = ?,
			bytes_done = ?, bytes_total = ?, chunks_done = ?, chunks_total = ?,
			error_detail = ?, attempts = ?, cleaned_up = ?, labels = ?, revision = ?
			WHERE id = ? AND revision = ?`),
			args[4], args[5], args[6], args[9], args[10], args[11],
			args[13], args[14],
			args[15], args[16], args[17], args[18],
			args[19], args[20], args[21], args[22], args[23],
			id, cur.Revision)
		if err != nil {
			return fmt.Errorf("%w: update job %s: %v", model.ErrInternal, id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: job %s changed concurrently", model.ErrStaleState, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *SQL) Delete(ctx context.Context, id string) (*model.Job, error) {
	var gone *model.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !j.State.Terminal() {
			return fmt.Errorf("%w: job %s is %s; stop it first", model.ErrInvalidTransition, id, j.State)
		}
		rows, err := tx.QueryContext(ctx, s.q(`SELECT id, direction, state FROM backup_jobs
			WHERE parent_backup_id = ? OR source_backup_id = ?`), id, id)
		if err != nil {
			return fmt.Errorf("%w: load dependents: %v", model.ErrInternal, err)
		}
		var pinnedBy string
		for rows.Next() {
			var c model.Job
			var dir, state string
			if err := rows.Scan(&c.ID, &dir, &state); err != nil {
				_ = rows.Close()
				return fmt.Errorf("%w: scan dependent: %v", model.ErrInternal, err)
			}
			c.Direction, c.State = model.Direction(dir), model.State(state)
			if pinnedBy == "" && c.Pins() {
				pinnedBy = c.ID
			}
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: load dependents: %v", model.ErrInternal, err)
		}
		if pinnedBy != "" {
			return fmt.Errorf("%w: %s is referenced by %s", model.ErrDependencyExists, id, pinnedBy)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM catalog_entries WHERE job_id = ?`), id); err != nil {
			return fmt.Errorf("%w: delete catalog: %v", model.ErrInternal, err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM backup_jobs WHERE id = ?`), id); err != nil {
			return fmt.Errorf("%w: delete job: %v", model.ErrInternal, err)
		}
		gone = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gone, nil
}

func (s *SQL) AppendCatalog(ctx context.Context, id string, entries []model.CatalogEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		j, err := s.lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := catalogWritable(j); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO catalog_entries
			(job_id, seq, object_key, byte_offset, length, stored_length, sha256)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id, seq) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("%w: prepare catalog insert: %v", model.ErrInternal, err)
		}
		defer func() { _ = stmt.Close() }()
		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, id, e.Seq, e.Key, e.Offset, e.Length, e.StoredLength, e.SHA256); err != nil {
				return fmt.Errorf("%w: insert catalog entry %d: %v", model.ErrInternal, e.Seq, err)
			}
		}
		return nil
	})
}

func (s *SQL) Catalog(ctx context.Context, id string) ([]model.CatalogEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT seq, object_key, byte_offset, length, stored_length, sha256
		FROM catalog_entries WHERE job_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, fmt.Errorf("%w: load catalog: %v", model.ErrInternal, err)
	}
	defer func() { _ = rows.Close() }()
	out := []model.CatalogEntry{}
	for rows.Next() {
		var e model.CatalogEntry
		if err := rows.Scan(&e.Seq, &e.Key, &e.Offset, &e.Length, &e.StoredLength, &e.SHA256); err != nil {
			return nil, fmt.Errorf("%w: scan catalog: %v", model.ErrInternal, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load catalog: %v", model.ErrInternal, err)
	}
	return out, nil
}

func (s *SQL) CreatePolicy(ctx context.Context, p *model.SchedulePolicy) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encode policy: %v", model.ErrInternal, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO schedule_policies (name, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?)`), p.Name, string(payload), toNanos(p.CreatedAt), toNanos(p.UpdatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: schedule policy %s", model.ErrAlreadyExists, p.Name)
	}
	if err != nil {
		return fmt.Errorf("%w: insert policy: %v", model.ErrInternal, err)
	}
	return nil
}

func (s *SQL) UpdatePolicy(ctx context.Context, p *model.SchedulePolicy) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encode policy: %v", model.ErrInternal, err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE schedule_policies SET payload = ?, updated_at = ? WHERE name = ?`),
		string(payload), toNanos(p.UpdatedAt), p.Name)
	if err != nil {
		return fmt.Errorf("%w: update policy: %v", model.ErrInternal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return policyNotFound(p.Name)
	}
	return nil
}

func (s *SQL) GetPolicy(ctx context.Context, name string) (*model.SchedulePolicy, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT payload FROM schedule_policies WHERE name = ?`), name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policyNotFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load policy: %v", model.ErrInternal, err)
	}
	var p model.SchedulePolicy
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("%w: decode policy %s: %v", model.ErrInternal, name, err)
	}
	return &p, nil
}

func (s *SQL) DeletePolicy(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM schedule_policies WHERE name = ?`), name)
	if err != nil {
		return fmt.Errorf("%w: delete policy: %v", model.ErrInternal, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return policyNotFound(name)
	}
	return nil
}

func (s *SQL) ListPolicies(ctx context.Context) ([]*model.SchedulePolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM schedule_policies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("%w: list policies: %v", model.ErrInternal, err)
	}
	defer func() { _ = rows.Close() }()
	var out []*model.SchedulePolicy
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: scan policy: %v", model.ErrInternal, err)
		}
		var p model.SchedulePolicy
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("%w: decode policy: %v", model.ErrInternal, err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list policies: %v", model.ErrInternal, err)
	}
	return out, nil
}

// sqliteCoder matches modernc.org/sqlite errors without importing its lib.
type sqliteCoder interface{ Code() int }

// SQLITE_CONSTRAINT; extended codes carry it in the low byte.
const sqliteConstraint = 19

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var se sqliteCoder
	if errors.As(err, &se) {
		return se.Code()&0xff == sqliteConstraint
	}
	return false
}
