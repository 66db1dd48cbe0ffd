package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────
// Tasks are written only by the scheduler; queries hand out copies.
// Terminal transitions use a compare-and-set on status so the first
// writer wins when cancellation races upstream completion.

const taskColumns = `id, owner_id, kind, provider_class, credential_id, reservation_id,
	status, progress, cost_estimate, cost_final, payload, upstream_id, result_ref, error,
	created_at, started_at, completed_at, expires_at`

// InsertTask creates a new task record.
func (d *DB) InsertTask(task domain.Task) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OwnerID, string(task.Kind), task.ProviderClass,
		nullStr(task.CredentialID), task.ReservationID,
		string(task.Status), task.Progress, task.CostEstimate, task.CostFinal,
		string(payload), nullStr(task.UpstreamID), nullStr(task.ResultRef), nullStr(task.Error),
		task.CreatedAt.Unix(), nullableUnix(task.StartedAt),
		nullableUnix(task.CompletedAt), nullableUnix(task.ExpiresAt),
	)
	return err
}

// GetTask fetches a task by id.
func (d *DB) GetTask(id string) (*domain.Task, error) {
	row := d.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// MarkDispatched moves a task into processing and records the
// credential and upstream handle it is bound to. CAS: only succeeds if
// the task is still pending or queued.
func (d *DB) MarkDispatched(id, credentialID, upstreamID string, at time.Time) (bool, error) {
	res, err := d.db.Exec(
		`UPDATE tasks SET status = ?, credential_id = ?, upstream_id = ?, progress = 0, started_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(domain.TaskProcessing), credentialID, nullStr(upstreamID), at.Unix(),
		id, string(domain.TaskPending), string(domain.TaskQueued),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkQueued moves a pending task into the queue. CAS on pending.
func (d *DB) MarkQueued(id string) (bool, error) {
	res, err := d.db.Exec(
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`,
		string(domain.TaskQueued), id, string(domain.TaskPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateProgress raises a processing task's progress. Monotonic: a
// lower reading than the stored value is kept out by MAX(), guarding
// against out-of-order upstream callbacks.
func (d *DB) UpdateProgress(id string, progress int) error {
	_, err := d.db.Exec(
		`UPDATE tasks SET progress = MAX(progress, ?) WHERE id = ? AND status = ?`,
		progress, id, string(domain.TaskProcessing),
	)
	return err
}

// SetUpstreamID records the provider-side handle once known.
func (d *DB) SetUpstreamID(id, upstreamID string) error {
	_, err := d.db.Exec(`UPDATE tasks SET upstream_id = ? WHERE id = ?`, upstreamID, id)
	return err
}

// TerminalUpdate carries the fields written on a terminal transition.
type TerminalUpdate struct {
	Status      domain.TaskStatus // completed, failed, or cancelled
	CostFinal   int64
	ResultRef   string
	Error       string
	CompletedAt time.Time
	ExpiresAt   time.Time // zero unless completed
}

// FinishTask applies a terminal transition with compare-and-set: it
// succeeds only if the task is not already terminal. Returns false when
// another terminal write won the race — the caller must then skip
// settlement, not retry.
func (d *DB) FinishTask(id string, upd TerminalUpdate) (bool, error) {
	progress := 0
	if upd.Status == domain.TaskCompleted {
		progress = 100
	}
	res, err := d.db.Exec(
		`UPDATE tasks SET status = ?, progress = MAX(progress, ?), cost_final = ?,
			result_ref = COALESCE(?, result_ref), error = ?, completed_at = ?, expires_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		string(upd.Status), progress, upd.CostFinal,
		nullStr(upd.ResultRef), nullStr(upd.Error),
		upd.CompletedAt.Unix(), nullableUnix(upd.ExpiresAt),
		id, string(domain.TaskPending), string(domain.TaskQueued), string(domain.TaskProcessing),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListActive returns a user's queued and processing tasks, oldest
// first. Kind filters when non-empty.
func (d *DB) ListActive(ownerID string, kind domain.TaskKind) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE owner_id = ? AND status IN (?, ?)`
	args := []any{ownerID, string(domain.TaskQueued), string(domain.TaskProcessing)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at ASC`
	return d.queryTasks(query, args...)
}

// ListQueued returns every queued task of a kind in FIFO order. rowid
// carries insertion order exactly; created_at has only second
// resolution, so same-second submissions would tie under it.
func (d *DB) ListQueued(kind domain.TaskKind) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{string(domain.TaskQueued)}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY rowid ASC`
	return d.queryTasks(query, args...)
}

// QueueRank returns the 1-based FIFO position of a queued task within
// its kind, recomputed from the live queue so ranks stay accurate as
// neighbors complete or cancel. Returns 0 for non-queued tasks.
func (d *DB) QueueRank(task *domain.Task) (int, error) {
	if task.Status != domain.TaskQueued {
		return 0, nil
	}
	var ahead int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM tasks
		 WHERE status = ? AND kind = ?
		   AND rowid < (SELECT rowid FROM tasks WHERE id = ?)`,
		string(domain.TaskQueued), string(task.Kind), task.ID,
	).Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// CountActive returns a user's count of queued+processing tasks of a kind.
func (d *DB) CountActive(ownerID string, kind domain.TaskKind) (int, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE owner_id = ? AND kind = ? AND status IN (?, ?)`,
		ownerID, string(kind), string(domain.TaskQueued), string(domain.TaskProcessing),
	).Scan(&n)
	return n, err
}

// CountProcessing returns a user's processing task count for a kind.
func (d *DB) CountProcessing(ownerID string, kind domain.TaskKind) (int, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM tasks WHERE owner_id = ? AND kind = ? AND status = ?`,
		ownerID, string(kind), string(domain.TaskProcessing),
	).Scan(&n)
	return n, err
}

// ListProcessing returns every processing task, for reconciliation and
// the stuck-task watchdog.
func (d *DB) ListProcessing() ([]domain.Task, error) {
	return d.queryTasks(
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY started_at ASC`,
		string(domain.TaskProcessing),
	)
}

// ListUnsettledTerminal returns terminal tasks whose reservation is
// still held. The terminal write and the settlement are separate
// transactions, so a crash between them leaves exactly this shape
// behind; Reconcile replays the settlement from cost_final.
func (d *DB) ListUnsettledTerminal() ([]domain.Task, error) {
	return d.queryTasks(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status IN (?, ?, ?)
		   AND reservation_id IN (SELECT id FROM reservations WHERE state = ?)`,
		string(domain.TaskCompleted), string(domain.TaskFailed), string(domain.TaskCancelled),
		string(domain.ReservationHeld),
	)
}

// ProcessingByCredential counts live upstream calls per credential,
// used to rebuild pool counters after a crash.
func (d *DB) ProcessingByCredential() (map[string]int, error) {
	rows, err := d.db.Query(
		`SELECT credential_id, COUNT(*) FROM tasks
		 WHERE status = ? AND credential_id IS NOT NULL GROUP BY credential_id`,
		string(domain.TaskProcessing),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// ListExpiredArtifacts returns completed tasks whose retention window
// has passed and that still hold a result ref.
func (d *DB) ListExpiredArtifacts(now time.Time) ([]domain.Task, error) {
	return d.queryTasks(
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at < ? AND result_ref IS NOT NULL`,
		string(domain.TaskCompleted), now.Unix(),
	)
}

// ClearResultRef drops the artifact handle after the reaper released
// the underlying storage.
func (d *DB) ClearResultRef(id string) error {
	_, err := d.db.Exec(`UPDATE tasks SET result_ref = NULL WHERE id = ?`, id)
	return err
}

func (d *DB) queryTasks(query string, args ...any) ([]domain.Task, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var kind, status, payload string
	var credID, upstreamID, resultRef, taskErr sql.NullString
	var createdAt int64
	var startedAt, completedAt, expiresAt sql.NullInt64

	err := s.Scan(&t.ID, &t.OwnerID, &kind, &t.ProviderClass, &credID, &t.ReservationID,
		&status, &t.Progress, &t.CostEstimate, &t.CostFinal, &payload,
		&upstreamID, &resultRef, &taskErr,
		&createdAt, &startedAt, &completedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	t.Kind = domain.TaskKind(kind)
	t.Status = domain.TaskStatus(status)
	t.CredentialID = credID.String
	t.UpstreamID = upstreamID.String
	t.ResultRef = resultRef.String
	t.Error = taskErr.String
	t.CreatedAt = time.Unix(createdAt, 0)
	t.StartedAt = unixOrZero(startedAt)
	t.CompletedAt = unixOrZero(completedAt)
	t.ExpiresAt = unixOrZero(expiresAt)

	if err := json.Unmarshal([]byte(payload), &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for task %s: %w", t.ID, err)
	}
	return &t, nil
}
