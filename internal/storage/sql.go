package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"govcast/internal/model"
	logx "govcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore serves both SQLite and PostgreSQL. Queries are written with '?'
// placeholders and rebound for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, log: log, dialect: d, pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// rebind turns '?' placeholders into $n for PostgreSQL.
func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	return rebindDollar(q)
}

func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- broadcasts ----

const broadcastCols = `id, tenant_id, content_id, channels, criteria, scheduled_at, timezone, recurrence, status,
	series_id, failure_reason, created_by, created_at, updated_at, started_at, finished_at, version`

func (s *sqlStore) CreateBroadcast(ctx context.Context, b model.Broadcast) error {
	chs, err := json.Marshal(b.Channels)
	if err != nil {
		return err
	}
	crit, err := json.Marshal(b.Criteria)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`INSERT INTO broadcasts(`+broadcastCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)
		 ON CONFLICT(id) DO NOTHING`,
		b.ID, b.TenantID, b.ContentID, string(chs), string(crit), ms(b.ScheduledAt), b.Timezone, b.Recurrence,
		string(b.Status), b.SeriesID, b.FailureReason, b.CreatedBy, ms(b.CreatedAt), ms(b.UpdatedAt),
		msPtr(b.StartedAt), msPtr(b.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (s *sqlStore) GetBroadcast(ctx context.Context, id string) (model.Broadcast, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+broadcastCols+` FROM broadcasts WHERE id = ?`), id)
	b, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Broadcast{}, ErrNotFound
	}
	return b, err
}

func (s *sqlStore) UpdateBroadcast(ctx context.Context, b model.Broadcast) (model.Broadcast, error) {
	chs, err := json.Marshal(b.Channels)
	if err != nil {
		return model.Broadcast{}, err
	}
	crit, err := json.Marshal(b.Criteria)
	if err != nil {
		return model.Broadcast{}, err
	}
	res, err := s.exec(ctx,
		`UPDATE broadcasts SET content_id = ?, channels = ?, criteria = ?, scheduled_at = ?, timezone = ?,
		 recurrence = ?, status = ?, failure_reason = ?, updated_at = ?, started_at = ?, finished_at = ?,
		 version = version + 1
		 WHERE id = ? AND version = ?`,
		b.ContentID, string(chs), string(crit), ms(b.ScheduledAt), b.Timezone, b.Recurrence, string(b.Status),
		b.FailureReason, ms(b.UpdatedAt), msPtr(b.StartedAt), msPtr(b.FinishedAt), b.ID, b.Version,
	)
	if err != nil {
		return model.Broadcast{}, fmt.Errorf("update broadcast: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetBroadcast(ctx, b.ID); err != nil {
			return model.Broadcast{}, err
		}
		return model.Broadcast{}, ErrStale
	}
	b.Version++
	return b, nil
}

func (s *sqlStore) DueBroadcasts(ctx context.Context, now time.Time, limit int) ([]model.Broadcast, error) {
	return s.queryBroadcasts(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at LIMIT ?`,
		string(model.BroadcastScheduled), ms(now), limitOr(limit, defaultListLimit))
}

func (s *sqlStore) StalledBroadcasts(ctx context.Context, startedBefore time.Time, limit int) ([]model.Broadcast, error) {
	return s.queryBroadcasts(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts
		 WHERE status = ? AND started_at > 0 AND started_at < ?
		 ORDER BY started_at LIMIT ?`,
		string(model.BroadcastExecuting), ms(startedBefore), limitOr(limit, defaultListLimit))
}

func (s *sqlStore) queryBroadcasts(ctx context.Context, q string, args ...any) ([]model.Broadcast, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(r scanner) (model.Broadcast, error) {
	var (
		b                                model.Broadcast
		chs, crit, status                string
		sched, created, updated, started int64
		finished                         int64
	)
	err := r.Scan(&b.ID, &b.TenantID, &b.ContentID, &chs, &crit, &sched, &b.Timezone, &b.Recurrence, &status,
		&b.SeriesID, &b.FailureReason, &b.CreatedBy, &created, &updated, &started, &finished, &b.Version)
	if err != nil {
		return model.Broadcast{}, err
	}
	if err := json.Unmarshal([]byte(chs), &b.Channels); err != nil {
		return model.Broadcast{}, fmt.Errorf("broadcast %s channels: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(crit), &b.Criteria); err != nil {
		return model.Broadcast{}, fmt.Errorf("broadcast %s criteria: %w", b.ID, err)
	}
	b.Status = model.BroadcastStatus(status)
	b.ScheduledAt = fromMs(sched)
	b.CreatedAt = fromMs(created)
	b.UpdatedAt = fromMs(updated)
	b.StartedAt = fromMsPtr(started)
	b.FinishedAt = fromMsPtr(finished)
	return b, nil
}

// ---- delivery tasks ----

const taskCols = `broadcast_id, channel, recipient_id, tenant_id, address, language, status, attempts, last_error,
	last_error_kind, next_retry_at, external_id, sent_at, delivered_at, read_at, created_at, updated_at, version`

func (s *sqlStore) InsertTasks(ctx context.Context, tasks []model.DeliveryTask) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO delivery_tasks(`+taskCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)
		 ON CONFLICT(broadcast_id, channel, recipient_id) DO NOTHING`))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	total := 0
	for _, t := range tasks {
		res, err := stmt.ExecContext(ctx,
			t.Key.BroadcastID, string(t.Key.Channel), t.Key.RecipientID, t.TenantID, t.Address, t.Language,
			string(t.Status), t.Attempts, t.LastError, t.LastErrorKind, msPtr(t.NextRetryAt), t.ExternalID,
			msPtr(t.SentAt), msPtr(t.DeliveredAt), msPtr(t.ReadAt), ms(t.CreatedAt), ms(t.UpdatedAt),
		)
		if err != nil {
			return 0, fmt.Errorf("insert task %s: %w", t.Key, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *sqlStore) GetTask(ctx context.Context, key model.TaskKey) (model.DeliveryTask, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+taskCols+` FROM delivery_tasks WHERE broadcast_id = ? AND channel = ? AND recipient_id = ?`),
		key.BroadcastID, string(key.Channel), key.RecipientID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryTask{}, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) FindTaskByExternalID(ctx context.Context, ch model.Channel, externalID string) (model.DeliveryTask, error) {
	if externalID == "" {
		return model.DeliveryTask{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+taskCols+` FROM delivery_tasks WHERE channel = ? AND external_id = ? LIMIT 1`),
		string(ch), externalID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryTask{}, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) UpdateTask(ctx context.Context, t model.DeliveryTask) (model.DeliveryTask, error) {
	res, err := s.exec(ctx,
		`UPDATE delivery_tasks SET status = ?, attempts = ?, last_error = ?, last_error_kind = ?, next_retry_at = ?,
		 external_id = ?, sent_at = ?, delivered_at = ?, read_at = ?, updated_at = ?, version = version + 1
		 WHERE broadcast_id = ? AND channel = ? AND recipient_id = ? AND version = ?`,
		string(t.Status), t.Attempts, t.LastError, t.LastErrorKind, msPtr(t.NextRetryAt), t.ExternalID,
		msPtr(t.SentAt), msPtr(t.DeliveredAt), msPtr(t.ReadAt), ms(t.UpdatedAt),
		t.Key.BroadcastID, string(t.Key.Channel), t.Key.RecipientID, t.Version,
	)
	if err != nil {
		return model.DeliveryTask{}, fmt.Errorf("update task %s: %w", t.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetTask(ctx, t.Key); err != nil {
			return model.DeliveryTask{}, err
		}
		return model.DeliveryTask{}, ErrStale
	}
	t.Version++
	return t, nil
}

func (s *sqlStore) ListTasks(ctx context.Context, broadcastID string, f TaskFilter) ([]model.DeliveryTask, error) {
	q := `SELECT ` + taskCols + ` FROM delivery_tasks WHERE broadcast_id = ?`
	args := []any{broadcastID}
	if f.Channel != "" {
		q += ` AND channel = ?`
		args = append(args, string(f.Channel))
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",") + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY channel, recipient_id LIMIT ?`
	args = append(args, limitOr(f.Limit, defaultListLimit))
	return s.queryTasks(ctx, q, args...)
}

func (s *sqlStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.DeliveryTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskCols+` FROM delivery_tasks
		 WHERE status = ? AND next_retry_at > 0 AND next_retry_at <= ?
		 ORDER BY next_retry_at LIMIT ?`,
		string(model.TaskRetrying), ms(now), limitOr(limit, defaultListLimit))
}

func (s *sqlStore) StaleTasks(ctx context.Context, before time.Time, limit int) ([]model.DeliveryTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskCols+` FROM delivery_tasks
		 WHERE updated_at < ? AND (status = ? OR (status = ? AND external_id = ''))
		 ORDER BY updated_at LIMIT ?`,
		ms(before), string(model.TaskPending), string(model.TaskSending), limitOr(limit, defaultListLimit))
}

func (s *sqlStore) AwaitingCallback(ctx context.Context, before time.Time, limit int) ([]model.DeliveryTask, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskCols+` FROM delivery_tasks
		 WHERE status = ? AND external_id <> '' AND sent_at > 0 AND sent_at < ?
		 ORDER BY sent_at LIMIT ?`,
		string(model.TaskSending), ms(before), limitOr(limit, defaultListLimit))
}

func (s *sqlStore) queryTasks(ctx context.Context, q string, args ...any) ([]model.DeliveryTask, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeliveryTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) TaskStats(ctx context.Context, broadcastID string) (model.DeliveryStats, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT channel, status, COUNT(*),
		 SUM(CASE WHEN sent_at > 0 THEN 1 ELSE 0 END),
		 SUM(CASE WHEN read_at > 0 THEN 1 ELSE 0 END)
		 FROM delivery_tasks WHERE broadcast_id = ?
		 GROUP BY channel, status`), broadcastID)
	if err != nil {
		return model.DeliveryStats{}, err
	}
	defer rows.Close()

	st := model.DeliveryStats{Channels: map[model.Channel]model.Counts{}}
	for rows.Next() {
		var (
			ch, status    string
			n, sent, read int
		)
		if err := rows.Scan(&ch, &status, &n, &sent, &read); err != nil {
			return model.DeliveryStats{}, err
		}
		st.AddGroup(model.Channel(ch), model.TaskStatus(status), n, sent, read)
	}
	return st, rows.Err()
}

func scanTask(r scanner) (model.DeliveryTask, error) {
	var (
		t                           model.DeliveryTask
		ch, status                  string
		next, sent, delivered, read int64
		created, updated            int64
	)
	err := r.Scan(&t.Key.BroadcastID, &ch, &t.Key.RecipientID, &t.TenantID, &t.Address, &t.Language, &status,
		&t.Attempts, &t.LastError, &t.LastErrorKind, &next, &t.ExternalID, &sent, &delivered, &read,
		&created, &updated, &t.Version)
	if err != nil {
		return model.DeliveryTask{}, err
	}
	t.Key.Channel = model.Channel(ch)
	t.Status = model.TaskStatus(status)
	t.NextRetryAt = fromMsPtr(next)
	t.SentAt = fromMsPtr(sent)
	t.DeliveredAt = fromMsPtr(delivered)
	t.ReadAt = fromMsPtr(read)
	t.CreatedAt = fromMs(created)
	t.UpdatedAt = fromMs(updated)
	return t, nil
}

// ---- audit + dedup ----

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit(at, broadcast_id, tenant_id, action, from_status, to_status, detail, correlation_id)
		 VALUES(?,?,?,?,?,?,?,?)`,
		ms(e.At), e.BroadcastID, e.TenantID, e.Action, e.From, e.To, e.Detail, e.CorrelationID,
	)
	return err
}

func (s *sqlStore) ClaimDedup(ctx context.Context, key string, until time.Time) (bool, error) {
	if key == "" {
		return true, nil
	}
	now := time.Now()
	res, err := s.exec(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until WHERE dedup.until < ?`,
		key, ms(until), ms(now),
	)
	if err != nil {
		return false, err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.exec(pctx, `DELETE FROM dedup WHERE until < ?`, ms(now))
		cancel()
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) ReleaseDedup(ctx context.Context, key string) error {
	_, err := s.exec(ctx, `DELETE FROM dedup WHERE key = ?`, key)
	return err
}

// ---- time encoding: unix milliseconds, 0 means unset ----

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func msPtr(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return ms(*t)
}

func fromMs(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func fromMsPtr(v int64) *time.Time {
	if v == 0 {
		return nil
	}
	t := time.UnixMilli(v).UTC()
	return &t
}
