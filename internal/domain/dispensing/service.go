package dispensing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medround/medround/internal/platform/eventlog"
	"github.com/medround/medround/internal/platform/websocket"
)

const (
	defaultTemperatureMin = -30.0
	defaultTemperatureMax = 60.0

	// BoardEventType is the websocket event type carrying a BoardView.
	BoardEventType = "board.updated"
)

// SessionTopic is the websocket topic a session's board is published on.
func SessionTopic(id uuid.UUID) string { return "session:" + id.String() }

// Service runs commands against the store: authorize, load one snapshot,
// Apply, Commit, then audit and publish the new board.
type Service struct {
	store     Store
	patients  PatientDirectory
	authz     Authorizer
	clock     Clock
	logger    zerolog.Logger
	audit     EventLog
	publisher Publisher
	metrics   CommandRecorder
	loc       *time.Location
	tempMin   float64
	tempMax   float64
}

func NewService(store Store, patients PatientDirectory, authz Authorizer, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		patients: patients,
		authz:    authz,
		clock:    SystemClock(),
		logger:   logger.With().Str("component", "dispensing").Logger(),
		loc:      time.Local,
		tempMin:  defaultTemperatureMin,
		tempMax:  defaultTemperatureMax,
	}
}

func (s *Service) SetClock(c Clock) { s.clock = c }

func (s *Service) SetEventLog(l EventLog) { s.audit = l }

func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

func (s *Service) SetMetrics(m CommandRecorder) { s.metrics = m }

func (s *Service) SetLocation(loc *time.Location) { s.loc = loc }

// SetTemperatureRange bounds the plausible scan temperature in degrees Celsius.
func (s *Service) SetTemperatureRange(lo, hi float64) {
	s.tempMin, s.tempMax = lo, hi
}

// -- stage commands --

// CreateStage materializes a stage record in PENDING. With no session id a
// PRE_DISPATCH creation opens the day's session if needed; other stages use
// the active session.
func (s *Service) CreateStage(ctx context.Context, cmd CreateStage) (*StageRecord, error) {
	sid, err := s.resolveSession(ctx, cmd.SessionID, cmd.Stage, cmd.Actor, ActionCreate)
	if err != nil {
		return nil, err
	}
	cmd.SessionID = sid
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return out.Record, nil
}

func (s *Service) StartStage(ctx context.Context, cmd StartStage) (*StageRecord, error) {
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return out.Record, nil
}

func (s *Service) CompleteStage(ctx context.Context, cmd CompleteStage) (*StageRecord, error) {
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return out.Record, nil
}

// AutoComplete performs the fused start and complete for PRE_DISPATCH
// (regent) or VALIDATION (validator).
func (s *Service) AutoComplete(ctx context.Context, cmd AutoCompleteStage) (*StageRecord, error) {
	sid, err := s.resolveSession(ctx, cmd.SessionID, cmd.Stage, cmd.Actor, ActionAutoComplete)
	if err != nil {
		return nil, err
	}
	cmd.SessionID = sid
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return out.Record, nil
}

// ReportError moves a record to ERROR, or only logs the problem when no
// record is given. The returned record is nil in the latter case.
func (s *Service) ReportError(ctx context.Context, cmd ReportError) (*StageRecord, *ErrorLogEntry, error) {
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	return out.Record, out.Entry, nil
}

func (s *Service) ResolveError(ctx context.Context, cmd ResolveError) (*StageRecord, error) {
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return out.Record, nil
}

// RecordScan appends a checkpoint scan. replayed is true when the request key
// matched an earlier scan, which is returned instead.
func (s *Service) RecordScan(ctx context.Context, cmd RecordScan) (scan *ScanEvent, replayed bool, err error) {
	if math.IsNaN(cmd.Temperature) || cmd.Temperature < s.tempMin || cmd.Temperature > s.tempMax {
		return nil, false, validationError("temperature %.1f outside %.1f..%.1f", cmd.Temperature, s.tempMin, s.tempMax)
	}
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, false, err
	}
	return out.Scan, out.Replayed, nil
}

// -- return workflow --

func (s *Service) CreateReturn(ctx context.Context, cmd CreateReturn) (*ReturnRequest, bool, error) {
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, false, err
	}
	return out.Return, out.Replayed, nil
}

func (s *Service) ApproveReturn(ctx context.Context, cmd ApproveReturn) (*ReturnRequest, error) {
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return out.Return, nil
}

func (s *Service) RejectReturn(ctx context.Context, cmd RejectReturn) (*ReturnRequest, error) {
	out, err := s.execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return out.Return, nil
}

// -- reads --

// Snapshot loads a session's snapshot with the active patients merged in.
func (s *Service) Snapshot(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	return s.loadSnapshot(ctx, sessionID)
}

func (s *Service) Board(ctx context.Context, sessionID uuid.UUID) (BoardView, error) {
	snap, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		return BoardView{}, err
	}
	return Board(snap), nil
}

func (s *Service) EffectiveState(ctx context.Context, sessionID, patientID uuid.UUID, stage Stage) (StageView, error) {
	if !stage.Valid() {
		return StageView{}, validationError("invalid stage %q", stage)
	}
	snap, err := s.loadSnapshot(ctx, sessionID, patientID)
	if err != nil {
		return StageView{}, err
	}
	if _, ok := snap.Patient(patientID); !ok {
		return StageView{}, notFound("patient", patientID)
	}
	return EffectiveState(patientID, stage, snap), nil
}

func (s *Service) Checkpoints(ctx context.Context, sessionID, patientID uuid.UUID) (CheckpointStatus, error) {
	snap, err := s.store.LoadSnapshot(ctx, sessionID)
	if err != nil {
		return CheckpointStatus{}, err
	}
	return Checkpoints(patientID, snap), nil
}

// PendingReturns lists a patient's PENDING requests across all sessions.
func (s *Service) PendingReturns(ctx context.Context, patientID uuid.UUID) ([]ReturnRequest, error) {
	all, _, err := s.store.ListReturnsByPatient(ctx, patientID, 0, 0)
	if err != nil {
		return nil, err
	}
	snap := NewSnapshot(nil)
	snap.Returns = all
	return PendingReturns(patientID, snap), nil
}

func (s *Service) ListReturns(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]ReturnRequest, int, error) {
	return s.store.ListReturnsByPatient(ctx, patientID, limit, offset)
}

func (s *Service) GetReturn(ctx context.Context, id uuid.UUID) (*ReturnRequest, error) {
	return s.store.GetReturn(ctx, id)
}

func (s *Service) GetStageRecord(ctx context.Context, id uuid.UUID) (*StageRecord, error) {
	return s.store.GetStageRecord(ctx, id)
}

func (s *Service) ListErrors(ctx context.Context, sessionID uuid.UUID) ([]ErrorLogEntry, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListErrors(ctx, sessionID)
}

// -- execution --

func (s *Service) execute(ctx context.Context, cmd Command) (*Outcome, error) {
	start := time.Now()
	out, err := s.run(ctx, cmd)
	replayed := err == nil && out.Replayed
	s.observe(ctx, cmd.Name(), cmd.actor(), fieldsOf(cmd, out), replayed, err, time.Since(start))
	return out, err
}

func (s *Service) run(ctx context.Context, cmd Command) (*Outcome, error) {
	if out, err := s.replayByKey(ctx, cmd); out != nil || err != nil {
		return out, err
	}
	snap, cmd, err := s.snapshotFor(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if err := Authorize(s.authz, snap, cmd); err != nil {
		return nil, err
	}
	out, err := Apply(snap, cmd, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if out.Replayed || len(out.Batch.Changes) == 0 {
		return out, nil
	}

	version, err := s.store.Commit(ctx, out.Batch)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			if replay, _ := s.replayByKey(ctx, cmd); replay != nil {
				return replay, nil
			}
		}
		return nil, err
	}

	switch {
	case out.Batch.SessionID != nil && version == snap.Version+1:
		s.publish(ctx, out.Snapshot)
	case out.Batch.SessionID != nil:
		// Other commits landed between our read and our write; publish what
		// the store now holds rather than our partial view.
		s.publishSession(ctx, *out.Batch.SessionID)
	case snap.Session.IsActive():
		s.publishSession(ctx, snap.Session.ID)
	}
	return out, nil
}

// replayByKey returns the record an idempotent request key already produced.
// The caller must hold the capability the original command needed.
func (s *Service) replayByKey(ctx context.Context, cmd Command) (*Outcome, error) {
	var out *Outcome
	switch c := cmd.(type) {
	case RecordScan:
		if c.RequestKey == "" {
			return nil, nil
		}
		if sc, err := s.store.FindScanByKey(ctx, c.RequestKey); err == nil {
			out = &Outcome{Scan: sc, Replayed: true}
		}
	case CreateReturn:
		if c.RequestKey == "" {
			return nil, nil
		}
		if rr, err := s.store.FindReturnByKey(ctx, c.RequestKey); err == nil {
			out = &Outcome{Return: rr, Replayed: true}
		}
	}
	if out == nil {
		return nil, nil
	}
	stage, action, err := requirement(nil, cmd)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeStatic(cmd.actor(), stage, action); err != nil {
		return nil, err
	}
	return out, nil
}

// snapshotFor loads the snapshot a command applies to. It may fill in the
// session id on commands that address a record directly.
func (s *Service) snapshotFor(ctx context.Context, cmd Command) (*Snapshot, Command, error) {
	switch c := cmd.(type) {
	case CreateStage:
		snap, err := s.loadSnapshot(ctx, c.SessionID, c.PatientID)
		return snap, cmd, err
	case AutoCompleteStage:
		snap, err := s.loadSnapshot(ctx, c.SessionID, c.PatientID)
		return snap, cmd, err
	case RecordScan:
		snap, err := s.loadSnapshot(ctx, c.SessionID, c.PatientID)
		return snap, cmd, err
	case StartStage:
		return s.snapshotForRecord(ctx, c.RecordID, cmd)
	case CompleteStage:
		return s.snapshotForRecord(ctx, c.RecordID, cmd)
	case ResolveError:
		return s.snapshotForRecord(ctx, c.RecordID, cmd)
	case ReportError:
		if c.RecordID != nil {
			rec, err := s.store.GetStageRecord(ctx, *c.RecordID)
			if err != nil {
				return nil, cmd, err
			}
			if c.SessionID == uuid.Nil {
				c.SessionID = rec.SessionID
			}
			snap, err := s.loadSnapshot(ctx, c.SessionID, rec.PatientID)
			return snap, c, err
		}
		if c.SessionID == uuid.Nil {
			sess, err := s.store.ActiveSession(ctx)
			if err != nil {
				return nil, cmd, err
			}
			c.SessionID = sess.ID
		}
		var extra []uuid.UUID
		if c.PatientID != nil {
			extra = append(extra, *c.PatientID)
		}
		snap, err := s.loadSnapshot(ctx, c.SessionID, extra...)
		return snap, c, err
	case CreateReturn:
		if c.SessionID != nil {
			snap, err := s.loadSnapshot(ctx, *c.SessionID, c.PatientID)
			return snap, cmd, err
		}
		snap, err := s.activeOrEmptySnapshot(ctx, c.PatientID)
		return snap, cmd, err
	case ApproveReturn:
		return s.snapshotForReturn(ctx, c.ReturnID, cmd)
	case RejectReturn:
		return s.snapshotForReturn(ctx, c.ReturnID, cmd)
	case CancelSession:
		snap, err := s.loadSnapshot(ctx, c.SessionID)
		return snap, cmd, err
	case CompleteSession:
		snap, err := s.loadSnapshot(ctx, c.SessionID)
		return snap, cmd, err
	}
	return nil, cmd, fmt.Errorf("unknown command %T", cmd)
}

func (s *Service) snapshotForRecord(ctx context.Context, recordID uuid.UUID, cmd Command) (*Snapshot, Command, error) {
	rec, err := s.store.GetStageRecord(ctx, recordID)
	if err != nil {
		return nil, cmd, err
	}
	snap, err := s.loadSnapshot(ctx, rec.SessionID, rec.PatientID)
	return snap, cmd, err
}

func (s *Service) snapshotForReturn(ctx context.Context, returnID uuid.UUID, cmd Command) (*Snapshot, Command, error) {
	rr, err := s.store.GetReturn(ctx, returnID)
	if err != nil {
		return nil, cmd, err
	}
	var snap *Snapshot
	if rr.SessionID != nil {
		snap, err = s.loadSnapshot(ctx, *rr.SessionID, rr.PatientID)
	} else {
		snap, err = s.activeOrEmptySnapshot(ctx, rr.PatientID)
	}
	if err != nil {
		return nil, cmd, err
	}
	if _, ok := snap.Return(rr.ID); !ok {
		snap.Returns = append(snap.Returns, *rr)
	}
	return snap, cmd, nil
}

// activeOrEmptySnapshot is used by writes that need no session. The active
// session's snapshot is preferred so its board can be republished.
func (s *Service) activeOrEmptySnapshot(ctx context.Context, patientID uuid.UUID) (*Snapshot, error) {
	sess, err := s.store.ActiveSession(ctx)
	switch {
	case err == nil:
		return s.loadSnapshot(ctx, sess.ID, patientID)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	snap := NewSnapshot(nil)
	if err := s.mergePatients(ctx, snap, patientID); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Service) loadSnapshot(ctx context.Context, sessionID uuid.UUID, extra ...uuid.UUID) (*Snapshot, error) {
	snap, err := s.store.LoadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.mergePatients(ctx, snap, extra...); err != nil {
		return nil, err
	}
	return snap, nil
}

// mergePatients adds the active patients plus any explicitly addressed ones,
// which may be discharged.
func (s *Service) mergePatients(ctx context.Context, snap *Snapshot, extra ...uuid.UUID) error {
	active, err := s.patients.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active patients: %w", err)
	}
	for _, p := range active {
		snap.AddPatient(p)
	}
	for _, id := range extra {
		if _, ok := snap.Patient(id); ok {
			continue
		}
		p, err := s.patients.GetPatient(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("get patient: %w", err)
		}
		snap.AddPatient(*p)
	}
	return nil
}

func (s *Service) authorizeStatic(actor Actor, stage Stage, action Action) error {
	for _, r := range actor.Roles {
		if s.authz.CanPerform(r, stage, action) {
			return nil
		}
	}
	return &ForbiddenError{Roles: actor.Roles, Stage: stage, Action: action}
}

// -- publication --

func (s *Service) publishSession(ctx context.Context, sessionID uuid.UUID) {
	if s.publisher == nil {
		return
	}
	snap, err := s.loadSnapshot(ctx, sessionID)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", sessionID.String()).Msg("reload snapshot for publication failed")
		return
	}
	s.publish(ctx, snap)
}

// publish broadcasts the whole board computed from one snapshot so every
// subscriber sees all patients at the same version.
func (s *Service) publish(ctx context.Context, snap *Snapshot) {
	if s.publisher == nil || snap.Session == nil {
		return
	}
	data, err := json.Marshal(Board(snap))
	if err != nil {
		s.logger.Error().Err(err).Msg("encode board failed")
		return
	}
	ev := websocket.Event{
		Type:         BoardEventType,
		Topic:        SessionTopic(snap.Session.ID),
		ResourceType: "DailySession",
		ResourceID:   snap.Session.ID.String(),
		Version:      snap.Version,
		Timestamp:    s.clock.Now(),
		Data:         data,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("session_id", snap.Session.ID.String()).Msg("publish board failed")
	}
}

// -- audit, logging, metrics --

type fields struct {
	session *uuid.UUID
	patient *uuid.UUID
	stage   Stage
	subject string
}

func fieldsOf(cmd Command, out *Outcome) fields {
	var f fields
	if out != nil {
		switch {
		case out.Record != nil:
			f.session, f.patient, f.stage, f.subject = &out.Record.SessionID, &out.Record.PatientID, out.Record.Stage, out.Record.ID.String()
		case out.Scan != nil:
			f.session, f.patient, f.subject = &out.Scan.SessionID, &out.Scan.PatientID, out.Scan.ID.String()
		case out.Return != nil:
			f.session, f.patient, f.subject = out.Return.SessionID, &out.Return.PatientID, out.Return.ID.String()
		case out.Session != nil:
			f.session, f.subject = &out.Session.ID, out.Session.ID.String()
		case out.Entry != nil:
			f.session, f.patient, f.subject = &out.Entry.SessionID, out.Entry.PatientID, out.Entry.ID.String()
		}
		if f.subject != "" {
			return f
		}
	}
	switch c := cmd.(type) {
	case CreateStage:
		f.session, f.patient, f.stage = &c.SessionID, &c.PatientID, c.Stage
	case AutoCompleteStage:
		f.session, f.patient, f.stage = &c.SessionID, &c.PatientID, c.Stage
	case StartStage:
		f.subject = c.RecordID.String()
	case CompleteStage:
		f.subject = c.RecordID.String()
	case ResolveError:
		f.subject = c.RecordID.String()
	case ReportError:
		f.session, f.patient = &c.SessionID, c.PatientID
		if c.RecordID != nil {
			f.subject = c.RecordID.String()
		}
	case RecordScan:
		f.session, f.patient, f.subject = &c.SessionID, &c.PatientID, string(c.Kind)
	case CreateReturn:
		f.session, f.patient = c.SessionID, &c.PatientID
	case ApproveReturn:
		f.subject = c.ReturnID.String()
	case RejectReturn:
		f.subject = c.ReturnID.String()
	case CancelSession:
		f.session = &c.SessionID
	case CompleteSession:
		f.session = &c.SessionID
	}
	return f
}

func idString(id *uuid.UUID) string {
	if id == nil || *id == uuid.Nil {
		return ""
	}
	return id.String()
}

// observe logs, counts and audits one command outcome.
func (s *Service) observe(ctx context.Context, name string, actor Actor, f fields, replayed bool, err error, d time.Duration) {
	outcome := ErrorKind(err)
	if replayed {
		outcome = "replayed"
	}

	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = s.logger.Info()
	case IsConflict(err):
		ev = s.logger.Warn().Err(err)
	default:
		ev = s.logger.Error().Err(err)
	}
	ev = ev.Str("command", name).Str("actor", actor.ID).Str("outcome", outcome).Dur("duration", d)
	if v := idString(f.session); v != "" {
		ev = ev.Str("session_id", v)
	}
	if v := idString(f.patient); v != "" {
		ev = ev.Str("patient_id", v)
	}
	if f.stage != "" {
		ev = ev.Str("stage", string(f.stage))
	}
	if f.subject != "" {
		ev = ev.Str("subject", f.subject)
	}
	ev.Msg("command")

	if s.metrics != nil {
		s.metrics.ObserveCommand(name, outcome, d)
	}

	if s.audit == nil {
		return
	}
	entry := eventlog.Event{
		ID:        uuid.NewString(),
		Type:      name,
		Outcome:   outcome,
		Actor:     actor.ID,
		SessionID: idString(f.session),
		PatientID: idString(f.patient),
		Subject:   f.subject,
		At:        s.clock.Now(),
	}
	if f.stage != "" {
		entry.Detail = map[string]string{"stage": string(f.stage)}
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if auditErr := s.audit.Append(ctx, entry); auditErr != nil {
		s.logger.Error().Err(auditErr).Str("command", name).Msg("audit append failed")
	}
}
