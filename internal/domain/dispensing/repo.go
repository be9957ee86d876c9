package dispensing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/medround/medround/internal/platform/eventlog"
	"github.com/medround/medround/internal/platform/websocket"
)

// Store is the durable home of sessions, stage records, scans, return
// requests and the error log. Commit must apply a batch atomically, enforce
// uniqueness, and apply conditional updates only when the expected prior
// status still holds.
type Store interface {
	ActiveSession(ctx context.Context) (*Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	// CreateSession inserts a new ACTIVE session. It fails with an
	// AlreadyExistsError if another session is already ACTIVE.
	CreateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, int, error)

	// LoadSnapshot reads a session's stage records, scans, error log and the
	// return requests that are linked to it or still PENDING.
	LoadSnapshot(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error)
	GetStageRecord(ctx context.Context, id uuid.UUID) (*StageRecord, error)
	ListErrors(ctx context.Context, sessionID uuid.UUID) ([]ErrorLogEntry, error)
	FindScanByKey(ctx context.Context, key string) (*ScanEvent, error)

	GetReturn(ctx context.Context, id uuid.UUID) (*ReturnRequest, error)
	ListReturnsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]ReturnRequest, int, error)
	FindReturnByKey(ctx context.Context, key string) (*ReturnRequest, error)

	// Commit applies a batch. When SessionID is set the session's version is
	// incremented in the same transaction, and the batch fails with
	// ErrSessionClosed if the session is no longer ACTIVE.
	Commit(ctx context.Context, b Batch) (int64, error)
}

// PatientDirectory is the read side of patient admission.
type PatientDirectory interface {
	ListActive(ctx context.Context) ([]Patient, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
}

// PatientRegistry admits and discharges patients.
type PatientRegistry interface {
	PatientDirectory
	AdmitPatient(ctx context.Context, p *Patient) error
	DischargePatient(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Action is an operation subject to the capability lookup.
type Action string

const (
	ActionCreate          Action = "create"
	ActionStart           Action = "start"
	ActionComplete        Action = "complete"
	ActionAutoComplete    Action = "auto_complete"
	ActionReportError     Action = "report_error"
	ActionResolve         Action = "resolve"
	ActionScan            Action = "scan"
	ActionRequestReturn   Action = "request_return"
	ActionApproveReturn   Action = "approve_return"
	ActionOpenSession     Action = "open_session"
	ActionCancelSession   Action = "cancel_session"
	ActionCompleteSession Action = "complete_session"
	ActionManagePatients  Action = "manage_patients"
)

// Authorizer answers whether a role may perform an action on a stage. Stage
// is empty for actions that are not stage-scoped.
type Authorizer interface {
	CanPerform(role Role, stage Stage, action Action) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(role Role, stage Stage, action Action) bool

func (f AuthorizerFunc) CanPerform(role Role, stage Stage, action Action) bool {
	return f(role, stage, action)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now in UTC.
func SystemClock() Clock { return systemClock{} }

// EventLog is the append-only audit trail.
type EventLog interface {
	Append(ctx context.Context, e eventlog.Event) error
}

// CommandRecorder observes command outcomes.
type CommandRecorder interface {
	ObserveCommand(command, outcome string, d time.Duration)
}

// Publisher is where committed board snapshots are pushed.
type Publisher = websocket.EventPublisher

// TopicForgetter is implemented by publishers that retain the last event of
// each topic. Ended sessions are forgotten.
type TopicForgetter interface {
	Forget(topic string)
}

// Change is one write inside a Batch.
type Change interface{ change() }

// InsertStage creates a stage record; it fails on the (session, patient, stage) key.
type InsertStage struct{ Record StageRecord }

// UpdateStage replaces a stage record if its current status equals Expected.
// When Optional is set a mismatch skips the update instead of failing the batch.
type UpdateStage struct {
	Record   StageRecord
	Expected Status
	Optional bool
}

type InsertScan struct{ Scan ScanEvent }

type InsertReturn struct{ Request ReturnRequest }

// UpdateReturn replaces a return request if its current status equals Expected.
type UpdateReturn struct {
	Request  ReturnRequest
	Expected ReturnStatus
}

type InsertErrorLog struct{ Entry ErrorLogEntry }

// UpdateSession sets a session's terminal fields if its status equals
// Expected. RequireNoCompletedPreDispatch makes the update fail with
// ErrCancellationBlocked when a PRE_DISPATCH record of the session is COMPLETED.
type UpdateSession struct {
	Session                       Session
	Expected                      SessionStatus
	RequireNoCompletedPreDispatch bool
}

func (InsertStage) change()    {}
func (UpdateStage) change()    {}
func (InsertScan) change()     {}
func (InsertReturn) change()   {}
func (UpdateReturn) change()   {}
func (InsertErrorLog) change() {}
func (UpdateSession) change()  {}

// Batch is the unit of atomic publication. SessionID is nil for writes that
// do not touch session-scoped state, such as a standalone return request.
type Batch struct {
	SessionID *uuid.UUID
	Changes   []Change
}
