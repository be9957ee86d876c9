package dispensing

import (
	"sort"

	"github.com/google/uuid"
)

// StageView is the effective state of one (patient, stage) pair. Virtual is
// true when no record exists and Status was derived from sibling stages.
// Locked is set for gated stages whose completion still waits on scans or a
// pending return request.
type StageView struct {
	PatientID  uuid.UUID  `json:"patient_id"`
	Stage      Stage      `json:"stage"`
	Status     Status     `json:"status"`
	Virtual    bool       `json:"virtual"`
	RecordID   *uuid.UUID `json:"record_id,omitempty"`
	Actionable bool       `json:"actionable"`
	Locked     bool       `json:"locked"`
}

// BoardRow is one patient's line on the board.
type BoardRow struct {
	Patient          Patient         `json:"patient"`
	Stages           []StageView     `json:"stages"`
	DeliveryUnlocked bool            `json:"delivery_unlocked"`
	ReturnUnlocked   bool            `json:"return_unlocked"`
	PendingReturns   []ReturnRequest `json:"pending_returns"`
}

// BoardView is every patient's effective state computed from one snapshot.
type BoardView struct {
	SessionID *uuid.UUID    `json:"session_id,omitempty"`
	Version   int64         `json:"version"`
	Status    SessionStatus `json:"status,omitempty"`
	Rows      []BoardRow    `json:"rows"`
}

// resolver precomputes the session-wide facts needed to evaluate stage views
// so that a whole board is derived in one pass over one snapshot.
type resolver struct {
	snap           *Snapshot
	roundStarted   bool
	scans          map[uuid.UUID]map[CheckpointKind]bool
	approvedLinked map[uuid.UUID]bool
	pendingLinked  map[uuid.UUID]int
}

func newResolver(snap *Snapshot) *resolver {
	r := &resolver{
		snap:           snap,
		scans:          make(map[uuid.UUID]map[CheckpointKind]bool),
		approvedLinked: make(map[uuid.UUID]bool),
		pendingLinked:  make(map[uuid.UUID]int),
	}
	for key, rec := range snap.Stages {
		if key.Stage == StagePreDispatch && (rec.Status == StatusInProgress || rec.Status == StatusCompleted) {
			r.roundStarted = true
		}
	}
	for _, sc := range snap.Scans {
		kinds := r.scans[sc.PatientID]
		if kinds == nil {
			kinds = make(map[CheckpointKind]bool, 4)
			r.scans[sc.PatientID] = kinds
		}
		kinds[sc.Kind] = true
	}
	for _, rr := range snap.Returns {
		if !r.linkedToSession(rr) {
			continue
		}
		switch rr.Status {
		case ReturnApproved:
			r.approvedLinked[rr.PatientID] = true
		case ReturnPending:
			r.pendingLinked[rr.PatientID]++
		}
	}
	return r
}

func (r *resolver) linkedToSession(rr ReturnRequest) bool {
	return rr.SessionID != nil && r.snap.Session != nil && *rr.SessionID == r.snap.Session.ID
}

func (r *resolver) deliveryUnlocked(patientID uuid.UUID) bool {
	return len(missing(r.scans[patientID], deliveryCheckpoints)) == 0
}

func (r *resolver) returnUnlocked(patientID uuid.UUID) bool {
	return len(missing(r.scans[patientID], returnCheckpoints)) == 0
}

// status returns the effective status of a stage, record or not.
func (r *resolver) status(patientID uuid.UUID, stage Stage) (Status, bool) {
	if rec, ok := r.snap.Record(patientID, stage); ok {
		return rec.Status, false
	}
	return r.virtual(patientID, stage), true
}

func (r *resolver) completed(patientID uuid.UUID, stage Stage) bool {
	rec, ok := r.snap.Record(patientID, stage)
	return ok && rec.Status == StatusCompleted
}

func (r *resolver) virtual(patientID uuid.UUID, stage Stage) Status {
	switch stage {
	case StagePreDispatch:
		// One physical dispatch covers the whole ward: once any patient's
		// preparation is under way the stage reads as in progress for everyone.
		if r.roundStarted {
			return StatusInProgress
		}
	case StageStaging:
		if r.completed(patientID, StagePreDispatch) {
			return StatusPending
		}
	case StageValidation, StageDelivery:
		if r.completed(patientID, StageStaging) {
			return StatusPending
		}
	case StageReturn:
		if r.scans[patientID][CheckpointReturnPickup] || r.approvedLinked[patientID] {
			return StatusInProgress
		}
		if r.completed(patientID, StageDelivery) {
			return StatusPending
		}
	}
	return StatusNotStarted
}

func (r *resolver) view(patientID uuid.UUID, stage Stage) StageView {
	v := StageView{PatientID: patientID, Stage: stage}
	if rec, ok := r.snap.Record(patientID, stage); ok {
		id := rec.ID
		v.RecordID = &id
		v.Status = rec.Status
	} else {
		v.Status = r.virtual(patientID, stage)
		v.Virtual = true
	}

	switch stage {
	case StageDelivery:
		v.Locked = !r.deliveryUnlocked(patientID)
	case StageReturn:
		v.Locked = !r.returnUnlocked(patientID) || r.pendingLinked[patientID] > 0
	}
	if v.Status == StatusCompleted {
		v.Locked = false
	}

	active := r.snap.Session.IsActive()
	switch v.Status {
	case StatusNotStarted, StatusCompleted, StatusError:
		v.Actionable = false
	default:
		v.Actionable = active
	}
	return v
}

// EffectiveState computes the view of one stage for one patient. It is a pure
// function of the snapshot.
func EffectiveState(patientID uuid.UUID, stage Stage, snap *Snapshot) StageView {
	return newResolver(snap).view(patientID, stage)
}

// EffectiveStates computes all five stage views for one patient.
func EffectiveStates(patientID uuid.UUID, snap *Snapshot) []StageView {
	r := newResolver(snap)
	out := make([]StageView, 0, len(Stages))
	for _, st := range Stages {
		out = append(out, r.view(patientID, st))
	}
	return out
}

// Board computes every active patient's stage views from one snapshot.
// Patients are ordered by service, bed, then name.
func Board(snap *Snapshot) BoardView {
	r := newResolver(snap)
	b := BoardView{Version: snap.Version, Rows: []BoardRow{}}
	if snap.Session != nil {
		id := snap.Session.ID
		b.SessionID = &id
		b.Status = snap.Session.Status
	}

	patients := append([]Patient(nil), snap.Patients...)
	sort.SliceStable(patients, func(i, j int) bool {
		a, c := patients[i], patients[j]
		if a.Service != c.Service {
			return a.Service < c.Service
		}
		if a.Bed != c.Bed {
			return a.Bed < c.Bed
		}
		return a.Name < c.Name
	})

	for _, p := range patients {
		if !p.Active {
			continue
		}
		row := BoardRow{
			Patient:          p,
			Stages:           make([]StageView, 0, len(Stages)),
			DeliveryUnlocked: r.deliveryUnlocked(p.ID),
			ReturnUnlocked:   r.returnUnlocked(p.ID),
			PendingReturns:   PendingReturns(p.ID, snap),
		}
		for _, st := range Stages {
			row.Stages = append(row.Stages, r.view(p.ID, st))
		}
		b.Rows = append(b.Rows, row)
	}
	return b
}
