package dispensing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medround/medround/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// PGStore is the PostgreSQL Store and PatientRegistry. Uniqueness comes from
// table constraints and every status transition is a conditional UPDATE.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (r *PGStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionCols = `id, day::text, status, started_at, started_by, ended_at, ended_by, note, version`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Day, &s.Status, &s.StartedAt, &s.StartedBy, &s.EndedAt, &s.EndedBy, &s.Note, &s.Version)
	return &s, err
}

const stageCols = `id, session_id, patient_id, stage, status, notes, created_by, updated_by,
	created_at, started_at, completed_at, updated_at`

func scanStage(row pgx.Row) (StageRecord, error) {
	var s StageRecord
	err := row.Scan(&s.ID, &s.SessionID, &s.PatientID, &s.Stage, &s.Status, &s.Notes, &s.CreatedBy, &s.UpdatedBy,
		&s.CreatedAt, &s.StartedAt, &s.CompletedAt, &s.UpdatedAt)
	return s, err
}

const scanCols = `id, session_id, patient_id, kind, temperature, actor, destination, request_key, scanned_at`

func scanScan(row pgx.Row) (ScanEvent, error) {
	var s ScanEvent
	err := row.Scan(&s.ID, &s.SessionID, &s.PatientID, &s.Kind, &s.Temperature, &s.Actor, &s.Destination, &s.RequestKey, &s.ScannedAt)
	return s, err
}

const returnCols = `id, patient_id, session_id, causes, supplies, status, requested_by, requested_at,
	resolved_by, resolved_at, comments, resolution_comment, request_key`

func scanReturn(row pgx.Row) (ReturnRequest, error) {
	var (
		r                  ReturnRequest
		causes, suppliesJS []byte
	)
	err := row.Scan(&r.ID, &r.PatientID, &r.SessionID, &causes, &suppliesJS, &r.Status, &r.RequestedBy, &r.RequestedAt,
		&r.ResolvedBy, &r.ResolvedAt, &r.Comments, &r.ResolutionComment, &r.RequestKey)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(causes, &r.Causes); err != nil {
		return r, fmt.Errorf("decode causes: %w", err)
	}
	if err := json.Unmarshal(suppliesJS, &r.Supplies); err != nil {
		return r, fmt.Errorf("decode supplies: %w", err)
	}
	return r, nil
}

const errorCols = `id, session_id, patient_id, stage_record_id, kind, message, previous_status, reported_by, reported_at`

func scanErrorEntry(row pgx.Row) (ErrorLogEntry, error) {
	var e ErrorLogEntry
	err := row.Scan(&e.ID, &e.SessionID, &e.PatientID, &e.StageRecordID, &e.Kind, &e.Message, &e.PreviousStatus, &e.ReportedBy, &e.ReportedAt)
	return e, err
}

const patientCols = `id, name, bed, service, line, active, discharged_at`

func scanPatient(row pgx.Row) (Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Bed, &p.Service, &p.Line, &p.Active, &p.DischargedAt)
	return p, err
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *PGStore) ActiveSession(ctx context.Context) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM daily_session WHERE status = 'ACTIVE'`))
	if db.IsNoRows(err) {
		return nil, notFound("session", "ACTIVE")
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return s, nil
}

func (r *PGStore) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM daily_session WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// CreateSession relies on the partial unique index over ACTIVE sessions, so
// concurrent creators converge on one row.
func (r *PGStore) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Status = SessionActive
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO daily_session (id, day, status, started_at, started_by, note, version)
		VALUES ($1, $2::date, 'ACTIVE', $3, $4, $5, $6)`,
		s.ID, s.Day, s.StartedAt, s.StartedBy, s.Note, s.Version)
	if _, dup := db.UniqueViolation(err); dup {
		existing := &AlreadyExistsError{Entity: "session", Key: string(SessionActive)}
		if cur, lookupErr := r.ActiveSession(ctx); lookupErr == nil {
			existing.ExistingID = cur.ID
		}
		return existing
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *PGStore) ListSessions(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM daily_session`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+sessionCols+` FROM daily_session ORDER BY started_at DESC LIMIT $1 OFFSET $2`, limitArg(limit), offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	out, err := collect(rows, scanSession)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return out, total, nil
}

// LoadSnapshot reads every part of the snapshot inside one repeatable-read
// transaction so the parts agree with each other and with Version.
func (r *PGStore) LoadSnapshot(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	var snap *Snapshot
	err := db.RunInTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(ctx context.Context, tx pgx.Tx) error {
		sess, err := r.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		snap = NewSnapshot(sess)

		rows, err := tx.Query(ctx, `SELECT `+stageCols+` FROM stage_record WHERE session_id = $1`, sessionID)
		if err != nil {
			return fmt.Errorf("load stage records: %w", err)
		}
		stages, err := collect(rows, scanStage)
		if err != nil {
			return fmt.Errorf("load stage records: %w", err)
		}
		for _, rec := range stages {
			snap.Stages[StageKey{PatientID: rec.PatientID, Stage: rec.Stage}] = rec
		}

		rows, err = tx.Query(ctx, `SELECT `+scanCols+` FROM scan_event WHERE session_id = $1 ORDER BY scanned_at`, sessionID)
		if err != nil {
			return fmt.Errorf("load scans: %w", err)
		}
		if snap.Scans, err = collect(rows, scanScan); err != nil {
			return fmt.Errorf("load scans: %w", err)
		}

		rows, err = tx.Query(ctx, `SELECT `+returnCols+` FROM return_request
			WHERE session_id = $1 OR status = 'PENDING' ORDER BY requested_at`, sessionID)
		if err != nil {
			return fmt.Errorf("load returns: %w", err)
		}
		if snap.Returns, err = collect(rows, scanReturn); err != nil {
			return fmt.Errorf("load returns: %w", err)
		}

		rows, err = tx.Query(ctx, `SELECT `+errorCols+` FROM error_log WHERE session_id = $1 ORDER BY reported_at`, sessionID)
		if err != nil {
			return fmt.Errorf("load error log: %w", err)
		}
		if snap.Errors, err = collect(rows, scanErrorEntry); err != nil {
			return fmt.Errorf("load error log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *PGStore) GetStageRecord(ctx context.Context, id uuid.UUID) (*StageRecord, error) {
	rec, err := scanStage(r.conn(ctx).QueryRow(ctx, `SELECT `+stageCols+` FROM stage_record WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, notFound("stage record", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get stage record: %w", err)
	}
	return &rec, nil
}

func (r *PGStore) ListErrors(ctx context.Context, sessionID uuid.UUID) ([]ErrorLogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+errorCols+` FROM error_log WHERE session_id = $1 ORDER BY reported_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}
	return collect(rows, scanErrorEntry)
}

func (r *PGStore) FindScanByKey(ctx context.Context, key string) (*ScanEvent, error) {
	sc, err := scanScan(r.conn(ctx).QueryRow(ctx, `SELECT `+scanCols+` FROM scan_event WHERE request_key = $1`, key))
	if db.IsNoRows(err) {
		return nil, notFound("scan", key)
	}
	if err != nil {
		return nil, fmt.Errorf("find scan: %w", err)
	}
	return &sc, nil
}

func (r *PGStore) GetReturn(ctx context.Context, id uuid.UUID) (*ReturnRequest, error) {
	rr, err := scanReturn(r.conn(ctx).QueryRow(ctx, `SELECT `+returnCols+` FROM return_request WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, notFound("return request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get return request: %w", err)
	}
	return &rr, nil
}

func (r *PGStore) ListReturnsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]ReturnRequest, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM return_request WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count return requests: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+returnCols+` FROM return_request
		WHERE patient_id = $1 ORDER BY requested_at DESC LIMIT $2 OFFSET $3`, patientID, limitArg(limit), offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list return requests: %w", err)
	}
	out, err := collect(rows, scanReturn)
	if err != nil {
		return nil, 0, fmt.Errorf("list return requests: %w", err)
	}
	return out, total, nil
}

func (r *PGStore) FindReturnByKey(ctx context.Context, key string) (*ReturnRequest, error) {
	rr, err := scanReturn(r.conn(ctx).QueryRow(ctx, `SELECT `+returnCols+` FROM return_request WHERE request_key = $1`, key))
	if db.IsNoRows(err) {
		return nil, notFound("return request", key)
	}
	if err != nil {
		return nil, fmt.Errorf("find return request: %w", err)
	}
	return &rr, nil
}

// Commit applies the batch in one transaction. Bumping the session version
// first takes the session row lock, which orders concurrent commits against
// the same session.
func (r *PGStore) Commit(ctx context.Context, b Batch) (int64, error) {
	var version int64
	err := db.RunInTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(ctx context.Context, tx pgx.Tx) error {
		if b.SessionID != nil {
			err := tx.QueryRow(ctx, `
				UPDATE daily_session SET version = version + 1
				WHERE id = $1 AND status = 'ACTIVE'
				RETURNING version`, *b.SessionID).Scan(&version)
			if db.IsNoRows(err) {
				sess, getErr := r.GetSession(ctx, *b.SessionID)
				if getErr != nil {
					return getErr
				}
				return fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrSessionClosed)
			}
			if err != nil {
				return fmt.Errorf("bump session version: %w", err)
			}
		}
		for _, ch := range b.Changes {
			if err := r.applyChange(ctx, tx, ch); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (r *PGStore) applyChange(ctx context.Context, tx pgx.Tx, ch Change) error {
	switch c := ch.(type) {
	case InsertStage:
		return r.insertStage(ctx, tx, c.Record)
	case UpdateStage:
		return r.updateStage(ctx, tx, c)
	case InsertScan:
		return r.insertScan(ctx, tx, c.Scan)
	case InsertReturn:
		return r.insertReturn(ctx, tx, c.Request)
	case UpdateReturn:
		return r.updateReturn(ctx, tx, c)
	case InsertErrorLog:
		e := c.Entry
		_, err := tx.Exec(ctx, `
			INSERT INTO error_log (id, session_id, patient_id, stage_record_id, kind, message, previous_status, reported_by, reported_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.SessionID, e.PatientID, e.StageRecordID, e.Kind, e.Message, e.PreviousStatus, e.ReportedBy, e.ReportedAt)
		if err != nil {
			return fmt.Errorf("insert error log: %w", err)
		}
		return nil
	case UpdateSession:
		return r.updateSession(ctx, tx, c)
	}
	return fmt.Errorf("unknown change %T", ch)
}

func (r *PGStore) insertStage(ctx context.Context, tx pgx.Tx, rec StageRecord) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO stage_record (id, session_id, patient_id, stage, status, notes, created_by, updated_by,
			created_at, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id, patient_id, stage) DO NOTHING
		RETURNING id`,
		rec.ID, rec.SessionID, rec.PatientID, rec.Stage, rec.Status, rec.Notes, rec.CreatedBy, rec.UpdatedBy,
		rec.CreatedAt, rec.StartedAt, rec.CompletedAt, rec.UpdatedAt).Scan(&id)
	if db.IsNoRows(err) {
		exists := &AlreadyExistsError{
			Entity: "stage record",
			Key:    fmt.Sprintf("%s/%s/%s", rec.SessionID, rec.PatientID, rec.Stage),
		}
		_ = tx.QueryRow(ctx, `SELECT id FROM stage_record WHERE session_id = $1 AND patient_id = $2 AND stage = $3`,
			rec.SessionID, rec.PatientID, rec.Stage).Scan(&exists.ExistingID)
		return exists
	}
	if err != nil {
		return fmt.Errorf("insert stage record: %w", err)
	}
	return nil
}

func (r *PGStore) updateStage(ctx context.Context, tx pgx.Tx, c UpdateStage) error {
	rec := c.Record
	tag, err := tx.Exec(ctx, `
		UPDATE stage_record SET status = $3, notes = $4, updated_by = $5,
			started_at = $6, completed_at = $7, updated_at = $8
		WHERE id = $1 AND status = $2`,
		rec.ID, c.Expected, rec.Status, rec.Notes, rec.UpdatedBy, rec.StartedAt, rec.CompletedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update stage record: %w", err)
	}
	if tag.RowsAffected() == 1 || c.Optional {
		return nil
	}
	var current Status
	err = tx.QueryRow(ctx, `SELECT status FROM stage_record WHERE id = $1`, rec.ID).Scan(&current)
	if db.IsNoRows(err) {
		return notFound("stage record", rec.ID)
	}
	if err != nil {
		return fmt.Errorf("read stage record status: %w", err)
	}
	return &StateChangedError{Entity: "stage record", ID: rec.ID, Expected: string(c.Expected), Current: string(current)}
}

func (r *PGStore) insertScan(ctx context.Context, tx pgx.Tx, sc ScanEvent) error {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO scan_event (id, session_id, patient_id, kind, temperature, actor, destination, request_key, scanned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_key) DO NOTHING
		RETURNING id`,
		sc.ID, sc.SessionID, sc.PatientID, sc.Kind, sc.Temperature, sc.Actor, sc.Destination, sc.RequestKey, sc.ScannedAt).Scan(&id)
	if db.IsNoRows(err) {
		key := ""
		if sc.RequestKey != nil {
			key = *sc.RequestKey
		}
		return &AlreadyExistsError{Entity: "scan", Key: key}
	}
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

func (r *PGStore) insertReturn(ctx context.Context, tx pgx.Tx, rr ReturnRequest) error {
	causes, err := json.Marshal(rr.Causes)
	if err != nil {
		return fmt.Errorf("encode causes: %w", err)
	}
	supplies, err := json.Marshal(rr.Supplies)
	if err != nil {
		return fmt.Errorf("encode supplies: %w", err)
	}
	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO return_request (id, patient_id, session_id, causes, supplies, status, requested_by, requested_at,
			resolved_by, resolved_at, comments, resolution_comment, request_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (request_key) DO NOTHING
		RETURNING id`,
		rr.ID, rr.PatientID, rr.SessionID, causes, supplies, rr.Status, rr.RequestedBy, rr.RequestedAt,
		rr.ResolvedBy, rr.ResolvedAt, rr.Comments, rr.ResolutionComment, rr.RequestKey).Scan(&id)
	if db.IsNoRows(err) {
		exists := &AlreadyExistsError{Entity: "return request"}
		if rr.RequestKey != nil {
			exists.Key = *rr.RequestKey
			_ = tx.QueryRow(ctx, `SELECT id FROM return_request WHERE request_key = $1`, *rr.RequestKey).Scan(&exists.ExistingID)
		}
		return exists
	}
	if err != nil {
		return fmt.Errorf("insert return request: %w", err)
	}
	return nil
}

func (r *PGStore) updateReturn(ctx context.Context, tx pgx.Tx, c UpdateReturn) error {
	rr := c.Request
	tag, err := tx.Exec(ctx, `
		UPDATE return_request SET status = $3, resolved_by = $4, resolved_at = $5, resolution_comment = $6
		WHERE id = $1 AND status = $2`,
		rr.ID, c.Expected, rr.Status, rr.ResolvedBy, rr.ResolvedAt, rr.ResolutionComment)
	if err != nil {
		return fmt.Errorf("update return request: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current ReturnStatus
	err = tx.QueryRow(ctx, `SELECT status FROM return_request WHERE id = $1`, rr.ID).Scan(&current)
	if db.IsNoRows(err) {
		return notFound("return request", rr.ID)
	}
	if err != nil {
		return fmt.Errorf("read return request status: %w", err)
	}
	return &StateChangedError{Entity: "return request", ID: rr.ID, Expected: string(c.Expected), Current: string(current)}
}

func (r *PGStore) updateSession(ctx context.Context, tx pgx.Tx, c UpdateSession) error {
	s := c.Session
	if c.RequireNoCompletedPreDispatch {
		var blocked bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM stage_record
				WHERE session_id = $1 AND stage = 'PRE_DISPATCH' AND status = 'COMPLETED')`, s.ID).Scan(&blocked)
		if err != nil {
			return fmt.Errorf("check pre-dispatch progress: %w", err)
		}
		if blocked {
			return fmt.Errorf("session %s: %w", s.ID, ErrCancellationBlocked)
		}
	}
	tag, err := tx.Exec(ctx, `
		UPDATE daily_session SET status = $3, ended_at = $4, ended_by = $5, note = $6
		WHERE id = $1 AND status = $2`,
		s.ID, c.Expected, s.Status, s.EndedAt, s.EndedBy, s.Note)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	cur, err := r.GetSession(ctx, s.ID)
	if err != nil {
		return err
	}
	return &StateChangedError{Entity: "session", ID: s.ID, Expected: string(c.Expected), Current: string(cur.Status)}
}

func (r *PGStore) ListActive(ctx context.Context) ([]Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patient WHERE active ORDER BY service, bed, name`)
	if err != nil {
		return nil, fmt.Errorf("list active patients: %w", err)
	}
	return collect(rows, scanPatient)
}

func (r *PGStore) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, notFound("patient", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

// AdmitPatient inserts or refreshes an active patient. A discharged patient
// stays archived.
func (r *PGStore) AdmitPatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, name, bed, service, line, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, bed = EXCLUDED.bed,
			service = EXCLUDED.service, line = EXCLUDED.line
		WHERE patient.active`,
		p.ID, p.Name, p.Bed, p.Service, p.Line)
	if err != nil {
		return fmt.Errorf("admit patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s was discharged: %w", p.ID, ErrPatientInactive)
	}
	p.Active = true
	p.DischargedAt = nil
	return nil
}

func (r *PGStore) DischargePatient(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE patient SET active = FALSE, discharged_at = $2 WHERE id = $1 AND active`, id, at)
	if err != nil {
		return fmt.Errorf("discharge patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetPatient(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
