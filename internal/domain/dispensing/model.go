package dispensing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage is one of the five fixed steps a patient's medication passes through
// during a daily session.
type Stage string

const (
	StagePreDispatch Stage = "PRE_DISPATCH"
	StageStaging     Stage = "STAGING"
	StageValidation  Stage = "VALIDATION"
	StageDelivery    Stage = "DELIVERY"
	StageReturn      Stage = "RETURN"
)

// Stages lists every stage in display order. RETURN is last but does not
// depend on the ordered stages before it.
var Stages = []Stage{StagePreDispatch, StageStaging, StageValidation, StageDelivery, StageReturn}

var validStages = map[Stage]bool{
	StagePreDispatch: true,
	StageStaging:     true,
	StageValidation:  true,
	StageDelivery:    true,
	StageReturn:      true,
}

func (s Stage) Valid() bool { return validStages[s] }

// ParseStage validates a raw stage name.
func ParseStage(raw string) (Stage, error) {
	s := Stage(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: invalid stage %q", ErrValidation, raw)
	}
	return s, nil
}

// prerequisite returns the stage that must be COMPLETED for the same patient
// before s may be created or progressed. PRE_DISPATCH and RETURN have none.
func (s Stage) prerequisite() (Stage, bool) {
	switch s {
	case StageStaging:
		return StagePreDispatch, true
	case StageValidation, StageDelivery:
		return StageStaging, true
	}
	return "", false
}

// Status is the state of a stage record. StatusNotStarted is never persisted:
// it is the virtual state of a stage with no record and no satisfied prerequisite.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDispatched Status = "DISPATCHED"
	StatusArrived    Status = "ARRIVED"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
)

var persistedStatuses = map[Status]bool{
	StatusPending:    true,
	StatusInProgress: true,
	StatusDispatched: true,
	StatusArrived:    true,
	StatusCompleted:  true,
	StatusError:      true,
}

// ParseStatus validates a persisted status name. An empty string is accepted
// and means "no expectation".
func ParseStatus(raw string) (Status, error) {
	if raw == "" {
		return "", nil
	}
	s := Status(raw)
	if !persistedStatuses[s] {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, raw)
	}
	return s, nil
}

// InFlight reports whether a record has been started but not finished.
// DISPATCHED and ARRIVED are delivery sub-states of IN_PROGRESS.
func (s Status) InFlight() bool {
	return s == StatusInProgress || s == StatusDispatched || s == StatusArrived
}

// Role is an operational role acting on the round.
type Role string

const (
	RoleRegent     Role = "regent"
	RoleNurse      Role = "nurse"
	RoleValidator  Role = "validator"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Actor is the authenticated person issuing a command.
type Actor struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

// HasRole reports whether the actor holds role r.
func (a Actor) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// SessionStatus is the lifecycle status of a daily session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Session is the daily working scope of a dispensing round.
type Session struct {
	ID        uuid.UUID     `db:"id" json:"id"`
	Day       string        `db:"day" json:"day"`
	Status    SessionStatus `db:"status" json:"status"`
	StartedAt time.Time     `db:"started_at" json:"started_at"`
	StartedBy string        `db:"started_by" json:"started_by"`
	EndedAt   *time.Time    `db:"ended_at" json:"ended_at,omitempty"`
	EndedBy   *string       `db:"ended_by" json:"ended_by,omitempty"`
	Note      *string       `db:"note" json:"note,omitempty"`
	Version   int64         `db:"version" json:"version"`
}

func (s *Session) IsActive() bool { return s != nil && s.Status == SessionActive }

// Patient is a hospital occupant eligible for medication tracking.
type Patient struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	Bed          string     `db:"bed" json:"bed"`
	Service      string     `db:"service" json:"service"`
	Line         string     `db:"line" json:"line"`
	Active       bool       `db:"active" json:"active"`
	DischargedAt *time.Time `db:"discharged_at" json:"discharged_at,omitempty"`
}

// StageRecord is the persisted state of one (patient, stage, session) triple.
type StageRecord struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	SessionID   uuid.UUID  `db:"session_id" json:"session_id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	Stage       Stage      `db:"stage" json:"stage"`
	Status      Status     `db:"status" json:"status"`
	Notes       *string    `db:"notes" json:"notes,omitempty"`
	CreatedBy   string     `db:"created_by" json:"created_by"`
	UpdatedBy   string     `db:"updated_by" json:"updated_by"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// CheckpointKind identifies a physical scan point.
type CheckpointKind string

const (
	CheckpointPharmacyDispatch CheckpointKind = "PHARMACY_DISPATCH"
	CheckpointServiceArrival   CheckpointKind = "SERVICE_ARRIVAL"
	CheckpointReturnPickup     CheckpointKind = "RETURN_PICKUP"
	CheckpointReturnReceipt    CheckpointKind = "RETURN_RECEIPT"
)

var validCheckpoints = map[CheckpointKind]bool{
	CheckpointPharmacyDispatch: true,
	CheckpointServiceArrival:   true,
	CheckpointReturnPickup:     true,
	CheckpointReturnReceipt:    true,
}

func ParseCheckpointKind(raw string) (CheckpointKind, error) {
	k := CheckpointKind(raw)
	if !validCheckpoints[k] {
		return "", fmt.Errorf("%w: invalid checkpoint kind %q", ErrValidation, raw)
	}
	return k, nil
}

// ScanEvent is an immutable checkpoint fact.
type ScanEvent struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	SessionID   uuid.UUID      `db:"session_id" json:"session_id"`
	PatientID   uuid.UUID      `db:"patient_id" json:"patient_id"`
	Kind        CheckpointKind `db:"kind" json:"kind"`
	Temperature float64        `db:"temperature" json:"temperature"`
	Actor       string         `db:"actor" json:"actor"`
	Destination *string        `db:"destination" json:"destination,omitempty"`
	RequestKey  *string        `db:"request_key" json:"request_key,omitempty"`
	ScannedAt   time.Time      `db:"scanned_at" json:"scanned_at"`
}

// ReturnStatus is the approval status of a return request.
type ReturnStatus string

const (
	ReturnPending  ReturnStatus = "PENDING"
	ReturnApproved ReturnStatus = "APPROVED"
	ReturnRejected ReturnStatus = "REJECTED"
)

// SupplyLine is one requested supply with its quantity.
type SupplyLine struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
}

// ReturnRequest is an exception-path return. A request is process-linked when
// it carries the session whose RETURN stage it belongs to.
type ReturnRequest struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	PatientID         uuid.UUID    `db:"patient_id" json:"patient_id"`
	SessionID         *uuid.UUID   `db:"session_id" json:"session_id,omitempty"`
	Causes            []string     `db:"causes" json:"causes"`
	Supplies          []SupplyLine `db:"supplies" json:"supplies"`
	Status            ReturnStatus `db:"status" json:"status"`
	RequestedBy       string       `db:"requested_by" json:"requested_by"`
	RequestedAt       time.Time    `db:"requested_at" json:"requested_at"`
	ResolvedBy        *string      `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time   `db:"resolved_at" json:"resolved_at,omitempty"`
	Comments          *string      `db:"comments" json:"comments,omitempty"`
	ResolutionComment *string      `db:"resolution_comment" json:"resolution_comment,omitempty"`
	RequestKey        *string      `db:"request_key" json:"request_key,omitempty"`
}

// Linked reports whether the request is tied to a session's RETURN stage.
func (r ReturnRequest) Linked() bool { return r.SessionID != nil }

// ErrorLogKind distinguishes reports from resolutions in the error log.
type ErrorLogKind string

const (
	ErrorReported ErrorLogKind = "REPORTED"
	ErrorResolved ErrorLogKind = "RESOLVED"
)

// ErrorLogEntry is an append-only problem report, optionally linked to a stage record.
type ErrorLogEntry struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	SessionID      uuid.UUID    `db:"session_id" json:"session_id"`
	PatientID      *uuid.UUID   `db:"patient_id" json:"patient_id,omitempty"`
	StageRecordID  *uuid.UUID   `db:"stage_record_id" json:"stage_record_id,omitempty"`
	Kind           ErrorLogKind `db:"kind" json:"kind"`
	Message        string       `db:"message" json:"message"`
	PreviousStatus *Status      `db:"previous_status" json:"previous_status,omitempty"`
	ReportedBy     string       `db:"reported_by" json:"reported_by"`
	ReportedAt     time.Time    `db:"reported_at" json:"reported_at"`
}

// StageKey addresses a stage record inside one session.
type StageKey struct {
	PatientID uuid.UUID
	Stage     Stage
}

// Snapshot is a consistent view of one session's shared state. Commands are
// applied to a snapshot and every read of effective state is computed from one.
// Session is nil for snapshots that only carry return requests.
type Snapshot struct {
	Session  *Session
	Version  int64
	Patients []Patient
	Stages   map[StageKey]StageRecord
	Scans    []ScanEvent
	Returns  []ReturnRequest
	Errors   []ErrorLogEntry
}

// NewSnapshot returns an empty snapshot for the given session.
func NewSnapshot(session *Session) *Snapshot {
	snap := &Snapshot{Session: session, Stages: make(map[StageKey]StageRecord)}
	if session != nil {
		snap.Version = session.Version
	}
	return snap
}

func (s *Snapshot) Record(patientID uuid.UUID, stage Stage) (StageRecord, bool) {
	rec, ok := s.Stages[StageKey{PatientID: patientID, Stage: stage}]
	return rec, ok
}

func (s *Snapshot) RecordByID(id uuid.UUID) (StageRecord, bool) {
	for _, rec := range s.Stages {
		if rec.ID == id {
			return rec, true
		}
	}
	return StageRecord{}, false
}

func (s *Snapshot) Patient(id uuid.UUID) (Patient, bool) {
	for _, p := range s.Patients {
		if p.ID == id {
			return p, true
		}
	}
	return Patient{}, false
}

// AddPatient adds p unless a patient with the same id is already present.
func (s *Snapshot) AddPatient(p Patient) {
	if _, ok := s.Patient(p.ID); ok {
		return
	}
	s.Patients = append(s.Patients, p)
}

func (s *Snapshot) Return(id uuid.UUID) (ReturnRequest, bool) {
	for _, r := range s.Returns {
		if r.ID == id {
			return r, true
		}
	}
	return ReturnRequest{}, false
}

func (s *Snapshot) scanByKey(key string) (ScanEvent, bool) {
	for _, sc := range s.Scans {
		if sc.RequestKey != nil && *sc.RequestKey == key {
			return sc, true
		}
	}
	return ScanEvent{}, false
}

func (s *Snapshot) returnByKey(key string) (ReturnRequest, bool) {
	for _, r := range s.Returns {
		if r.RequestKey != nil && *r.RequestKey == key {
			return r, true
		}
	}
	return ReturnRequest{}, false
}

// Clone returns a deep enough copy for Apply to mutate without touching s.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version:  s.Version,
		Patients: append([]Patient(nil), s.Patients...),
		Stages:   make(map[StageKey]StageRecord, len(s.Stages)),
		Scans:    append([]ScanEvent(nil), s.Scans...),
		Returns:  append([]ReturnRequest(nil), s.Returns...),
		Errors:   append([]ErrorLogEntry(nil), s.Errors...),
	}
	if s.Session != nil {
		sess := *s.Session
		out.Session = &sess
	}
	for k, v := range s.Stages {
		out.Stages[k] = v
	}
	return out
}

// apply folds a committed change into the snapshot.
func (s *Snapshot) apply(ch Change) {
	switch c := ch.(type) {
	case InsertStage:
		s.Stages[StageKey{PatientID: c.Record.PatientID, Stage: c.Record.Stage}] = c.Record
	case UpdateStage:
		key := StageKey{PatientID: c.Record.PatientID, Stage: c.Record.Stage}
		if cur, ok := s.Stages[key]; ok && cur.Status == c.Expected {
			s.Stages[key] = c.Record
		}
	case InsertScan:
		s.Scans = append(s.Scans, c.Scan)
	case InsertReturn:
		s.Returns = append(s.Returns, c.Request)
	case UpdateReturn:
		for i := range s.Returns {
			if s.Returns[i].ID == c.Request.ID {
				s.Returns[i] = c.Request
			}
		}
	case InsertErrorLog:
		s.Errors = append(s.Errors, c.Entry)
	case UpdateSession:
		if s.Session != nil && s.Session.ID == c.Session.ID {
			sess := c.Session
			s.Session = &sess
		}
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(t time.Time) *time.Time { return &t }
