package dispensing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command is a mutating request against one session, one stage record or one
// return request.
type Command interface {
	Name() string
	actor() Actor
}

type CreateStage struct {
	SessionID uuid.UUID
	PatientID uuid.UUID
	Stage     Stage
	Notes     string
	Actor     Actor
}

type StartStage struct {
	RecordID uuid.UUID
	Expected Status
	Actor    Actor
}

type CompleteStage struct {
	RecordID uuid.UUID
	Expected Status
	Notes    string
	Actor    Actor
}

// AutoCompleteStage is the fused start and complete offered to regents on
// PRE_DISPATCH and to validators on VALIDATION.
type AutoCompleteStage struct {
	SessionID uuid.UUID
	PatientID uuid.UUID
	Stage     Stage
	Actor     Actor
}

// ReportError moves a stage record to ERROR. Without a RecordID it only
// appends a problem report to the session's error log.
type ReportError struct {
	SessionID uuid.UUID
	RecordID  *uuid.UUID
	PatientID *uuid.UUID
	Expected  Status
	Message   string
	Actor     Actor
}

// ResolveError is the administrative transition out of ERROR.
type ResolveError struct {
	RecordID uuid.UUID
	Note     string
	Actor    Actor
}

type RecordScan struct {
	SessionID   uuid.UUID
	PatientID   uuid.UUID
	Kind        CheckpointKind
	Temperature float64
	Destination string
	RequestKey  string
	Actor       Actor
}

// CreateReturn opens a return request. SessionID links it to that session's
// RETURN stage; without it the request is standalone.
type CreateReturn struct {
	PatientID  uuid.UUID
	SessionID  *uuid.UUID
	Causes     []string
	Supplies   []SupplyLine
	Comments   string
	RequestKey string
	Actor      Actor
}

type ApproveReturn struct {
	ReturnID uuid.UUID
	Comment  string
	Actor    Actor
}

type RejectReturn struct {
	ReturnID uuid.UUID
	Comment  string
	Actor    Actor
}

type CancelSession struct {
	SessionID uuid.UUID
	Note      string
	Actor     Actor
}

type CompleteSession struct {
	SessionID uuid.UUID
	Note      string
	Actor     Actor
}

func (CreateStage) Name() string       { return "stage.create" }
func (StartStage) Name() string        { return "stage.start" }
func (CompleteStage) Name() string     { return "stage.complete" }
func (AutoCompleteStage) Name() string { return "stage.auto_complete" }
func (ReportError) Name() string       { return "stage.report_error" }
func (ResolveError) Name() string      { return "stage.resolve" }
func (RecordScan) Name() string        { return "checkpoint.record" }
func (CreateReturn) Name() string      { return "return.create" }
func (ApproveReturn) Name() string     { return "return.approve" }
func (RejectReturn) Name() string      { return "return.reject" }
func (CancelSession) Name() string     { return "session.cancel" }
func (CompleteSession) Name() string   { return "session.complete" }

func (c CreateStage) actor() Actor       { return c.Actor }
func (c StartStage) actor() Actor        { return c.Actor }
func (c CompleteStage) actor() Actor     { return c.Actor }
func (c AutoCompleteStage) actor() Actor { return c.Actor }
func (c ReportError) actor() Actor       { return c.Actor }
func (c ResolveError) actor() Actor      { return c.Actor }
func (c RecordScan) actor() Actor        { return c.Actor }
func (c CreateReturn) actor() Actor      { return c.Actor }
func (c ApproveReturn) actor() Actor     { return c.Actor }
func (c RejectReturn) actor() Actor      { return c.Actor }
func (c CancelSession) actor() Actor     { return c.Actor }
func (c CompleteSession) actor() Actor   { return c.Actor }

// Outcome is the result of applying a command to a snapshot. Snapshot is the
// new version every reader should observe once Batch is committed. Replayed
// is set when the command matched an earlier identical request and nothing
// needs to be written.
type Outcome struct {
	Snapshot *Snapshot
	Batch    Batch
	Record   *StageRecord
	Scan     *ScanEvent
	Return   *ReturnRequest
	Session  *Session
	Entry    *ErrorLogEntry
	Replayed bool
}

// requirement resolves the stage and action a command is checked against.
func requirement(snap *Snapshot, cmd Command) (Stage, Action, error) {
	switch c := cmd.(type) {
	case CreateStage:
		return c.Stage, ActionCreate, nil
	case StartStage:
		rec, ok := snap.RecordByID(c.RecordID)
		if !ok {
			return "", "", notFound("stage record", c.RecordID)
		}
		return rec.Stage, ActionStart, nil
	case CompleteStage:
		rec, ok := snap.RecordByID(c.RecordID)
		if !ok {
			return "", "", notFound("stage record", c.RecordID)
		}
		return rec.Stage, ActionComplete, nil
	case AutoCompleteStage:
		return c.Stage, ActionAutoComplete, nil
	case ReportError:
		if c.RecordID != nil {
			if rec, ok := snap.RecordByID(*c.RecordID); ok {
				return rec.Stage, ActionReportError, nil
			}
			return "", "", notFound("stage record", *c.RecordID)
		}
		return "", ActionReportError, nil
	case ResolveError:
		rec, ok := snap.RecordByID(c.RecordID)
		if !ok {
			return "", "", notFound("stage record", c.RecordID)
		}
		return rec.Stage, ActionResolve, nil
	case RecordScan:
		switch c.Kind {
		case CheckpointReturnPickup, CheckpointReturnReceipt:
			return StageReturn, ActionScan, nil
		}
		return StageDelivery, ActionScan, nil
	case CreateReturn:
		return StageReturn, ActionRequestReturn, nil
	case ApproveReturn, RejectReturn:
		return StageReturn, ActionApproveReturn, nil
	case CancelSession:
		return "", ActionCancelSession, nil
	case CompleteSession:
		return "", ActionCompleteSession, nil
	}
	return "", "", fmt.Errorf("unknown command %T", cmd)
}

// Authorize checks the command against the capability lookup. Any one of the
// actor's roles is sufficient.
func Authorize(authz Authorizer, snap *Snapshot, cmd Command) error {
	stage, action, err := requirement(snap, cmd)
	if err != nil {
		return err
	}
	a := cmd.actor()
	for _, r := range a.Roles {
		if authz.CanPerform(r, stage, action) {
			return nil
		}
	}
	return &ForbiddenError{Roles: a.Roles, Stage: stage, Action: action}
}

// Apply validates cmd against snap and returns the writes it implies together
// with the snapshot that results from them. snap is not modified. Apply never
// retries and never merges: every rejection is one typed error.
func Apply(snap *Snapshot, cmd Command, now time.Time) (*Outcome, error) {
	a := &applier{base: snap, next: snap.Clone(), now: now}
	var err error
	switch c := cmd.(type) {
	case CreateStage:
		err = a.createStage(c)
	case StartStage:
		err = a.startStage(c)
	case CompleteStage:
		err = a.completeStage(c)
	case AutoCompleteStage:
		err = a.autoComplete(c)
	case ReportError:
		err = a.reportError(c)
	case ResolveError:
		err = a.resolveError(c)
	case RecordScan:
		err = a.recordScan(c)
	case CreateReturn:
		err = a.createReturn(c)
	case ApproveReturn:
		err = a.resolveReturn(c.ReturnID, ReturnApproved, c.Comment, c.Actor)
	case RejectReturn:
		err = a.resolveReturn(c.ReturnID, ReturnRejected, c.Comment, c.Actor)
	case CancelSession:
		err = a.endSession(c.SessionID, SessionCancelled, c.Note, c.Actor)
	case CompleteSession:
		err = a.endSession(c.SessionID, SessionCompleted, c.Note, c.Actor)
	default:
		err = fmt.Errorf("unknown command %T", cmd)
	}
	if err != nil {
		return nil, err
	}
	return a.finish(), nil
}

type applier struct {
	base    *Snapshot
	next    *Snapshot
	now     time.Time
	out     Outcome
	session bool
}

func (a *applier) emit(ch Change) {
	a.out.Batch.Changes = append(a.out.Batch.Changes, ch)
	a.next.apply(ch)
}

// touchSession marks the batch as publishing a new session version.
func (a *applier) touchSession() {
	a.session = true
}

func (a *applier) finish() *Outcome {
	a.out.Snapshot = a.next
	if a.session && len(a.out.Batch.Changes) > 0 {
		id := a.base.Session.ID
		a.out.Batch.SessionID = &id
		a.next.Version = a.base.Version + 1
		if a.next.Session != nil {
			a.next.Session.Version = a.next.Version
		}
	}
	return &a.out
}

func (a *applier) requireActive(sessionID uuid.UUID) error {
	s := a.base.Session
	if s == nil || s.ID != sessionID {
		return notFound("session", sessionID)
	}
	if s.Status != SessionActive {
		return fmt.Errorf("session %s is %s: %w", s.ID, s.Status, ErrSessionClosed)
	}
	return nil
}

func (a *applier) requirePatient(id uuid.UUID) error {
	p, ok := a.base.Patient(id)
	if !ok {
		return notFound("patient", id)
	}
	if !p.Active {
		return fmt.Errorf("patient %s: %w", id, ErrPatientInactive)
	}
	return nil
}

func (a *applier) requirePrerequisite(patientID uuid.UUID, stage Stage) error {
	prev, ok := stage.prerequisite()
	if !ok {
		return nil
	}
	rec, has := a.base.Record(patientID, prev)
	if !has || rec.Status != StatusCompleted {
		return fmt.Errorf("%s requires %s to be COMPLETED: %w", stage, prev, ErrPrerequisiteNotMet)
	}
	return nil
}

func (a *applier) record(id uuid.UUID) (StageRecord, error) {
	rec, ok := a.base.RecordByID(id)
	if !ok {
		return StageRecord{}, notFound("stage record", id)
	}
	if err := a.requireActive(rec.SessionID); err != nil {
		return StageRecord{}, err
	}
	return rec, nil
}

func stateChanged(rec StageRecord, expected Status) error {
	return &StateChangedError{Entity: "stage record", ID: rec.ID, Expected: string(expected), Current: string(rec.Status)}
}

func (a *applier) createStage(c CreateStage) error {
	if !c.Stage.Valid() {
		return validationError("invalid stage %q", c.Stage)
	}
	if err := a.requireActive(c.SessionID); err != nil {
		return err
	}
	if err := a.requirePatient(c.PatientID); err != nil {
		return err
	}
	if existing, ok := a.base.Record(c.PatientID, c.Stage); ok {
		return &AlreadyExistsError{
			Entity:     "stage record",
			Key:        fmt.Sprintf("%s/%s/%s", c.SessionID, c.PatientID, c.Stage),
			ExistingID: existing.ID,
		}
	}
	if err := a.requirePrerequisite(c.PatientID, c.Stage); err != nil {
		return err
	}
	rec := StageRecord{
		ID:        uuid.New(),
		SessionID: c.SessionID,
		PatientID: c.PatientID,
		Stage:     c.Stage,
		Status:    StatusPending,
		Notes:     strPtr(strings.TrimSpace(c.Notes)),
		CreatedBy: c.Actor.ID,
		UpdatedBy: c.Actor.ID,
		CreatedAt: a.now,
		UpdatedAt: a.now,
	}
	a.emit(InsertStage{Record: rec})
	a.touchSession()
	a.out.Record = &rec
	return nil
}

func (a *applier) startStage(c StartStage) error {
	rec, err := a.record(c.RecordID)
	if err != nil {
		return err
	}
	if err := a.requirePatient(rec.PatientID); err != nil {
		return err
	}
	if c.Expected != "" && rec.Status != c.Expected {
		return stateChanged(rec, c.Expected)
	}
	if rec.Status == StatusError {
		return fmt.Errorf("stage record %s: %w", rec.ID, ErrStageInError)
	}
	if rec.Status != StatusPending {
		return stateChanged(rec, StatusPending)
	}
	if err := a.requirePrerequisite(rec.PatientID, rec.Stage); err != nil {
		return err
	}
	prev := rec.Status
	rec.Status = StatusInProgress
	rec.StartedAt = timePtr(a.now)
	rec.UpdatedAt = a.now
	rec.UpdatedBy = c.Actor.ID
	a.emit(UpdateStage{Record: rec, Expected: prev})
	a.touchSession()
	a.out.Record = &rec
	return nil
}

// completionGate returns a NotUnlockedError when a gated stage is not yet
// eligible for completion.
func (a *applier) completionGate(rec StageRecord) error {
	switch rec.Stage {
	case StageDelivery:
		if miss := missing(scannedKinds(a.base, rec.PatientID), deliveryCheckpoints); len(miss) > 0 {
			return &NotUnlockedError{PatientID: rec.PatientID, Stage: rec.Stage, Missing: miss}
		}
	case StageReturn:
		miss := missing(scannedKinds(a.base, rec.PatientID), returnCheckpoints)
		pending := pendingLinkedReturns(rec.PatientID, a.base)
		if len(miss) > 0 || pending > 0 {
			return &NotUnlockedError{PatientID: rec.PatientID, Stage: rec.Stage, Missing: miss, PendingReturns: pending}
		}
	}
	return nil
}

func (a *applier) completeStage(c CompleteStage) error {
	rec, err := a.record(c.RecordID)
	if err != nil {
		return err
	}
	if err := a.requirePatient(rec.PatientID); err != nil {
		return err
	}
	if c.Expected != "" && rec.Status != c.Expected {
		return stateChanged(rec, c.Expected)
	}
	switch {
	case rec.Status == StatusError:
		return fmt.Errorf("stage record %s: %w", rec.ID, ErrStageInError)
	case rec.Status == StatusCompleted:
		return stateChanged(rec, StatusInProgress)
	case rec.Status == StatusPending:
		// Missing checkpoints are reported ahead of the skipped start.
		if err := a.completionGate(rec); err != nil {
			return err
		}
		return fmt.Errorf("stage record %s is PENDING and must be started before completion: %w", rec.ID, ErrInvalidTransition)
	case !rec.Status.InFlight():
		return stateChanged(rec, StatusInProgress)
	}
	if err := a.requirePrerequisite(rec.PatientID, rec.Stage); err != nil {
		return err
	}
	if err := a.completionGate(rec); err != nil {
		return err
	}
	prev := rec.Status
	rec.Status = StatusCompleted
	rec.CompletedAt = timePtr(a.now)
	rec.UpdatedAt = a.now
	rec.UpdatedBy = c.Actor.ID
	if n := strings.TrimSpace(c.Notes); n != "" {
		rec.Notes = &n
	}
	a.emit(UpdateStage{Record: rec, Expected: prev})
	a.touchSession()
	a.out.Record = &rec
	return nil
}

// autoCompleteRoles names the role that may fuse start and complete on a stage.
var autoCompleteRoles = map[Stage]Role{
	StagePreDispatch: RoleRegent,
	StageValidation:  RoleValidator,
}

func (a *applier) autoComplete(c AutoCompleteStage) error {
	role, ok := autoCompleteRoles[c.Stage]
	if !ok {
		return fmt.Errorf("%s cannot be auto-completed: %w", c.Stage, ErrInvalidTransition)
	}
	if !c.Actor.HasRole(role) && !c.Actor.HasRole(RoleAdmin) {
		return &ForbiddenError{Roles: c.Actor.Roles, Stage: c.Stage, Action: ActionAutoComplete}
	}
	if err := a.requireActive(c.SessionID); err != nil {
		return err
	}
	if err := a.requirePatient(c.PatientID); err != nil {
		return err
	}
	if err := a.requirePrerequisite(c.PatientID, c.Stage); err != nil {
		return err
	}

	rec, exists := a.base.Record(c.PatientID, c.Stage)
	if !exists {
		rec = StageRecord{
			ID:          uuid.New(),
			SessionID:   c.SessionID,
			PatientID:   c.PatientID,
			Stage:       c.Stage,
			Status:      StatusCompleted,
			CreatedBy:   c.Actor.ID,
			UpdatedBy:   c.Actor.ID,
			CreatedAt:   a.now,
			StartedAt:   timePtr(a.now),
			CompletedAt: timePtr(a.now),
			UpdatedAt:   a.now,
		}
		a.emit(InsertStage{Record: rec})
		a.touchSession()
		a.out.Record = &rec
		return nil
	}

	switch rec.Status {
	case StatusError:
		return fmt.Errorf("stage record %s: %w", rec.ID, ErrStageInError)
	case StatusPending, StatusInProgress:
	default:
		return stateChanged(rec, StatusPending)
	}
	prev := rec.Status
	if rec.StartedAt == nil {
		rec.StartedAt = timePtr(a.now)
	}
	rec.Status = StatusCompleted
	rec.CompletedAt = timePtr(a.now)
	rec.UpdatedAt = a.now
	rec.UpdatedBy = c.Actor.ID
	a.emit(UpdateStage{Record: rec, Expected: prev})
	a.touchSession()
	a.out.Record = &rec
	return nil
}

func (a *applier) reportError(c ReportError) error {
	msg := strings.TrimSpace(c.Message)
	if msg == "" {
		return validationError("message is required")
	}
	if err := a.requireActive(c.SessionID); err != nil {
		return err
	}
	entry := ErrorLogEntry{
		ID:         uuid.New(),
		SessionID:  c.SessionID,
		PatientID:  c.PatientID,
		Kind:       ErrorReported,
		Message:    msg,
		ReportedBy: c.Actor.ID,
		ReportedAt: a.now,
	}

	if c.RecordID != nil {
		rec, err := a.record(*c.RecordID)
		if err != nil {
			return err
		}
		if rec.SessionID != c.SessionID {
			return notFound("stage record", rec.ID)
		}
		if c.Expected != "" && rec.Status != c.Expected {
			return stateChanged(rec, c.Expected)
		}
		if rec.Status == StatusError {
			return fmt.Errorf("stage record %s: %w", rec.ID, ErrStageInError)
		}
		prev := rec.Status
		pid, rid := rec.PatientID, rec.ID
		entry.PatientID = &pid
		entry.StageRecordID = &rid
		entry.PreviousStatus = &prev

		rec.Status = StatusError
		rec.UpdatedAt = a.now
		rec.UpdatedBy = c.Actor.ID
		a.emit(UpdateStage{Record: rec, Expected: prev})
		a.out.Record = &rec
	} else if c.PatientID != nil {
		if _, ok := a.base.Patient(*c.PatientID); !ok {
			return notFound("patient", *c.PatientID)
		}
	}

	a.emit(InsertErrorLog{Entry: entry})
	a.touchSession()
	a.out.Entry = &entry
	return nil
}

func (a *applier) resolveError(c ResolveError) error {
	rec, err := a.record(c.RecordID)
	if err != nil {
		return err
	}
	if rec.Status != StatusError {
		return stateChanged(rec, StatusError)
	}
	note := strings.TrimSpace(c.Note)
	if note == "" {
		note = "resolved"
	}
	prev := rec.Status
	pid, rid := rec.PatientID, rec.ID
	entry := ErrorLogEntry{
		ID:             uuid.New(),
		SessionID:      rec.SessionID,
		PatientID:      &pid,
		StageRecordID:  &rid,
		Kind:           ErrorResolved,
		Message:        note,
		PreviousStatus: &prev,
		ReportedBy:     c.Actor.ID,
		ReportedAt:     a.now,
	}
	rec.Status = StatusInProgress
	if rec.StartedAt == nil {
		rec.StartedAt = timePtr(a.now)
	}
	rec.UpdatedAt = a.now
	rec.UpdatedBy = c.Actor.ID
	a.emit(UpdateStage{Record: rec, Expected: prev})
	a.emit(InsertErrorLog{Entry: entry})
	a.touchSession()
	a.out.Record = &rec
	a.out.Entry = &entry
	return nil
}

func (a *applier) recordScan(c RecordScan) error {
	if !validCheckpoints[c.Kind] {
		return validationError("invalid checkpoint kind %q", c.Kind)
	}
	if c.RequestKey != "" {
		if prior, ok := a.base.scanByKey(c.RequestKey); ok {
			a.out.Scan = &prior
			a.out.Replayed = true
			return nil
		}
	}
	if err := a.requireActive(c.SessionID); err != nil {
		return err
	}
	if err := a.requirePatient(c.PatientID); err != nil {
		return err
	}

	before := scannedKinds(a.base, c.PatientID)
	scan := ScanEvent{
		ID:          uuid.New(),
		SessionID:   c.SessionID,
		PatientID:   c.PatientID,
		Kind:        c.Kind,
		Temperature: c.Temperature,
		Actor:       c.Actor.ID,
		Destination: strPtr(strings.TrimSpace(c.Destination)),
		RequestKey:  strPtr(c.RequestKey),
		ScannedAt:   a.now,
	}
	a.emit(InsertScan{Scan: scan})

	if rec, ok := a.base.Record(c.PatientID, StageDelivery); ok {
		if next, move := deliveryMirror(rec.Status, c.Kind, before); move {
			prev := rec.Status
			rec.Status = next
			rec.UpdatedAt = a.now
			rec.UpdatedBy = c.Actor.ID
			a.emit(UpdateStage{Record: rec, Expected: prev, Optional: true})
			a.out.Record = &rec
		}
	}
	if c.Kind == CheckpointReturnPickup {
		a.mirrorReturn(c.PatientID, c.Actor)
	}
	a.touchSession()
	a.out.Scan = &scan
	return nil
}

// mirrorReturn moves the patient's RETURN record into progress when the
// physical return has begun.
func (a *applier) mirrorReturn(patientID uuid.UUID, actor Actor) {
	rec, ok := a.base.Record(patientID, StageReturn)
	if !ok {
		return
	}
	next, move := returnMirror(rec.Status)
	if !move {
		return
	}
	prev := rec.Status
	rec.Status = next
	if rec.StartedAt == nil {
		rec.StartedAt = timePtr(a.now)
	}
	rec.UpdatedAt = a.now
	rec.UpdatedBy = actor.ID
	a.emit(UpdateStage{Record: rec, Expected: prev, Optional: true})
	a.out.Record = &rec
}

func (a *applier) createReturn(c CreateReturn) error {
	causes, err := normalizeCauses(c.Causes)
	if err != nil {
		return err
	}
	supplies, err := validateSupplies(c.Supplies)
	if err != nil {
		return err
	}
	if c.RequestKey != "" {
		if prior, ok := a.base.returnByKey(c.RequestKey); ok {
			a.out.Return = &prior
			a.out.Replayed = true
			return nil
		}
	}
	if _, ok := a.base.Patient(c.PatientID); !ok {
		return notFound("patient", c.PatientID)
	}
	req := ReturnRequest{
		ID:          uuid.New(),
		PatientID:   c.PatientID,
		Causes:      causes,
		Supplies:    supplies,
		Status:      ReturnPending,
		RequestedBy: c.Actor.ID,
		RequestedAt: a.now,
		Comments:    strPtr(strings.TrimSpace(c.Comments)),
		RequestKey:  strPtr(c.RequestKey),
	}
	if c.SessionID != nil {
		if err := a.requireActive(*c.SessionID); err != nil {
			return err
		}
		sid := *c.SessionID
		req.SessionID = &sid
		a.touchSession()
	}
	a.emit(InsertReturn{Request: req})
	a.out.Return = &req
	return nil
}

func (a *applier) resolveReturn(id uuid.UUID, to ReturnStatus, comment string, actor Actor) error {
	req, ok := a.base.Return(id)
	if !ok {
		return notFound("return request", id)
	}
	if req.Status != ReturnPending {
		return &StateChangedError{Entity: "return request", ID: req.ID, Expected: string(ReturnPending), Current: string(req.Status)}
	}
	req.Status = to
	req.ResolvedBy = &actor.ID
	req.ResolvedAt = timePtr(a.now)
	req.ResolutionComment = strPtr(strings.TrimSpace(comment))
	a.emit(UpdateReturn{Request: req, Expected: ReturnPending})
	if req.SessionID != nil && a.base.Session.IsActive() && a.base.Session.ID == *req.SessionID {
		if to == ReturnApproved {
			a.mirrorReturn(req.PatientID, actor)
		}
		a.touchSession()
	}
	a.out.Return = &req
	return nil
}

func (a *applier) endSession(id uuid.UUID, to SessionStatus, note string, actor Actor) error {
	s := a.base.Session
	if s == nil || s.ID != id {
		return notFound("session", id)
	}
	if s.Status == to {
		sess := *s
		a.out.Session = &sess
		a.out.Replayed = true
		return nil
	}
	if s.Status != SessionActive {
		return &StateChangedError{Entity: "session", ID: s.ID, Expected: string(SessionActive), Current: string(s.Status)}
	}
	if to == SessionCancelled {
		for key, rec := range a.base.Stages {
			if key.Stage == StagePreDispatch && rec.Status == StatusCompleted {
				return fmt.Errorf("session %s: %w", s.ID, ErrCancellationBlocked)
			}
		}
	}
	sess := *s
	sess.Status = to
	sess.EndedAt = timePtr(a.now)
	sess.EndedBy = &actor.ID
	if n := strings.TrimSpace(note); n != "" {
		sess.Note = &n
	}
	a.emit(UpdateSession{Session: sess, Expected: SessionActive, RequireNoCompletedPreDispatch: to == SessionCancelled})
	a.touchSession()
	sess.Version = s.Version + 1
	a.out.Session = &sess
	return nil
}
