package dispensing

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medround/medround/internal/platform/auth"
)

var (
	regent     = Actor{ID: "regent-1", Roles: []Role{RoleRegent}}
	nurse      = Actor{ID: "nurse-1", Roles: []Role{RoleNurse}}
	validator  = Actor{ID: "validator-1", Roles: []Role{RoleValidator}}
	supervisor = Actor{ID: "supervisor-1", Roles: []Role{RoleSupervisor}}
	admin      = Actor{ID: "admin-1", Roles: []Role{RoleAdmin}}
)

var capabilities = AuthorizerFunc(func(r Role, s Stage, a Action) bool {
	return auth.DefaultCapabilities.Allows(string(r), string(s), string(a))
})

func mustApply(t *testing.T, snap *Snapshot, cmd Command) *Outcome {
	t.Helper()
	out, err := Apply(snap, cmd, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", cmd.Name(), err)
	}
	return out
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func TestApply_CreateStage(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)

	out := mustApply(t, snap, CreateStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StagePreDispatch, Notes: "  first  ", Actor: regent})

	if out.Record == nil || out.Record.Status != StatusPending {
		t.Fatalf("expected PENDING record, got %+v", out.Record)
	}
	if out.Record.Notes == nil || *out.Record.Notes != "first" {
		t.Errorf("expected trimmed notes, got %v", out.Record.Notes)
	}
	if len(out.Batch.Changes) != 1 {
		t.Fatalf("expected one change, got %d", len(out.Batch.Changes))
	}
	if _, ok := out.Batch.Changes[0].(InsertStage); !ok {
		t.Errorf("expected InsertStage, got %T", out.Batch.Changes[0])
	}
	if out.Batch.SessionID == nil || *out.Batch.SessionID != snap.Session.ID {
		t.Error("expected batch scoped to the session")
	}
	if out.Snapshot.Version != snap.Version+1 {
		t.Errorf("expected version %d, got %d", snap.Version+1, out.Snapshot.Version)
	}
	if _, ok := snap.Record(p.ID, StagePreDispatch); ok {
		t.Error("Apply must not modify the input snapshot")
	}
	if _, ok := out.Snapshot.Record(p.ID, StagePreDispatch); !ok {
		t.Error("expected record in the resulting snapshot")
	}
}

func TestApply_CreateStage_Rejections(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	gone := patient("Old", "cardio", "100")
	gone.Active = false

	t.Run("duplicate", func(t *testing.T) {
		snap := newSnap(p)
		existing := addRecord(snap, p.ID, StagePreDispatch, StatusPending)
		_, err := Apply(snap, CreateStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StagePreDispatch, Actor: regent}, t0)
		var ae *AlreadyExistsError
		if !errors.As(err, &ae) || ae.ExistingID != existing.ID {
			t.Fatalf("expected AlreadyExistsError for %s, got %v", existing.ID, err)
		}
	})
	t.Run("prerequisite", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusInProgress)
		_, err := Apply(snap, CreateStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StageStaging, Actor: regent}, t0)
		expectErr(t, err, ErrPrerequisiteNotMet)
	})
	t.Run("validation needs staging", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		_, err := Apply(snap, CreateStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StageValidation, Actor: validator}, t0)
		expectErr(t, err, ErrPrerequisiteNotMet)
	})
	t.Run("return has no prerequisite", func(t *testing.T) {
		snap := newSnap(p)
		mustApply(t, snap, CreateStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StageReturn, Actor: nurse})
	})
	t.Run("inactive patient", func(t *testing.T) {
		snap := newSnap(gone)
		_, err := Apply(snap, CreateStage{SessionID: snap.Session.ID, PatientID: gone.ID, Stage: StagePreDispatch, Actor: regent}, t0)
		expectErr(t, err, ErrPatientInactive)
	})
	t.Run("unknown patient", func(t *testing.T) {
		snap := newSnap(p)
		_, err := Apply(snap, CreateStage{SessionID: snap.Session.ID, PatientID: uuid.New(), Stage: StagePreDispatch, Actor: regent}, t0)
		expectErr(t, err, ErrNotFound)
	})
	t.Run("closed session", func(t *testing.T) {
		snap := newSnap(p)
		snap.Session.Status = SessionCompleted
		_, err := Apply(snap, CreateStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StagePreDispatch, Actor: regent}, t0)
		expectErr(t, err, ErrSessionClosed)
	})
	t.Run("other session", func(t *testing.T) {
		snap := newSnap(p)
		_, err := Apply(snap, CreateStage{SessionID: uuid.New(), PatientID: p.ID, Stage: StagePreDispatch, Actor: regent}, t0)
		expectErr(t, err, ErrNotFound)
	})
	t.Run("invalid stage", func(t *testing.T) {
		snap := newSnap(p)
		_, err := Apply(snap, CreateStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: "PACKING", Actor: regent}, t0)
		expectErr(t, err, ErrValidation)
	})
}

func TestApply_StartStage(t *testing.T) {
	p := patient("Ana", "cardio", "101")

	t.Run("pending to in progress", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StagePreDispatch, StatusPending)
		out := mustApply(t, snap, StartStage{RecordID: rec.ID, Expected: StatusPending, Actor: regent})
		if out.Record.Status != StatusInProgress || out.Record.StartedAt == nil {
			t.Errorf("expected started IN_PROGRESS, got %+v", out.Record)
		}
		upd, ok := out.Batch.Changes[0].(UpdateStage)
		if !ok || upd.Expected != StatusPending {
			t.Errorf("expected conditional update on PENDING, got %+v", out.Batch.Changes[0])
		}
	})
	t.Run("stale expectation", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StagePreDispatch, StatusInProgress)
		_, err := Apply(snap, StartStage{RecordID: rec.ID, Expected: StatusPending, Actor: regent}, t0)
		var sc *StateChangedError
		if !errors.As(err, &sc) || sc.Current != string(StatusInProgress) {
			t.Fatalf("expected StateChangedError with current IN_PROGRESS, got %v", err)
		}
	})
	t.Run("already started without expectation", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		_, err := Apply(snap, StartStage{RecordID: rec.ID, Actor: regent}, t0)
		expectErr(t, err, ErrStateChanged)
	})
	t.Run("error blocks", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StagePreDispatch, StatusError)
		_, err := Apply(snap, StartStage{RecordID: rec.ID, Actor: regent}, t0)
		expectErr(t, err, ErrStageInError)
	})
	t.Run("unknown record", func(t *testing.T) {
		_, err := Apply(newSnap(p), StartStage{RecordID: uuid.New(), Actor: regent}, t0)
		expectErr(t, err, ErrNotFound)
	})
}

func TestApply_CompleteStage(t *testing.T) {
	p := patient("Ana", "cardio", "101")

	t.Run("pending must be started first", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StagePreDispatch, StatusPending)
		_, err := Apply(snap, CompleteStage{RecordID: rec.ID, Actor: regent}, t0)
		expectErr(t, err, ErrInvalidTransition)
	})
	t.Run("completed twice", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		_, err := Apply(snap, CompleteStage{RecordID: rec.ID, Actor: regent}, t0)
		expectErr(t, err, ErrStateChanged)
	})
	t.Run("in progress completes with notes", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StagePreDispatch, StatusInProgress)
		out := mustApply(t, snap, CompleteStage{RecordID: rec.ID, Notes: "all trays", Actor: regent})
		if out.Record.Status != StatusCompleted || out.Record.CompletedAt == nil {
			t.Errorf("expected COMPLETED, got %+v", out.Record)
		}
		if out.Record.Notes == nil || *out.Record.Notes != "all trays" {
			t.Errorf("expected notes kept, got %v", out.Record.Notes)
		}
	})
}

func TestApply_CompleteDeliveryGate(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)
	addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
	addRecord(snap, p.ID, StageStaging, StatusCompleted)
	rec := addRecord(snap, p.ID, StageDelivery, StatusInProgress)

	_, err := Apply(snap, CompleteStage{RecordID: rec.ID, Actor: nurse}, t0)
	var nu *NotUnlockedError
	if !errors.As(err, &nu) {
		t.Fatalf("expected NotUnlockedError, got %v", err)
	}
	if len(nu.Missing) != 2 {
		t.Errorf("expected two missing scans, got %v", nu.Missing)
	}

	addScan(snap, p.ID, CheckpointServiceArrival, t0)
	_, err = Apply(snap, CompleteStage{RecordID: rec.ID, Actor: nurse}, t0)
	if !errors.As(err, &nu) || len(nu.Missing) != 1 || nu.Missing[0] != CheckpointPharmacyDispatch {
		t.Fatalf("expected PHARMACY_DISPATCH missing, got %v", err)
	}

	addScan(snap, p.ID, CheckpointPharmacyDispatch, t0)
	out := mustApply(t, snap, CompleteStage{RecordID: rec.ID, Actor: nurse})
	if out.Record.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", out.Record.Status)
	}
}

func TestApply_CompletePendingGatedStage(t *testing.T) {
	p := patient("Ana", "cardio", "101")

	t.Run("delivery without scans", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		addRecord(snap, p.ID, StageStaging, StatusCompleted)
		rec := addRecord(snap, p.ID, StageDelivery, StatusPending)

		_, err := Apply(snap, CompleteStage{RecordID: rec.ID, Actor: nurse}, t0)
		var nu *NotUnlockedError
		if !errors.As(err, &nu) {
			t.Fatalf("expected NotUnlockedError, got %v", err)
		}
		if len(nu.Missing) != 2 {
			t.Errorf("expected two missing scans, got %v", nu.Missing)
		}
	})
	t.Run("delivery with scans still needs a start", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		addRecord(snap, p.ID, StageStaging, StatusCompleted)
		rec := addRecord(snap, p.ID, StageDelivery, StatusPending)
		addScan(snap, p.ID, CheckpointPharmacyDispatch, t0)
		addScan(snap, p.ID, CheckpointServiceArrival, t0)

		_, err := Apply(snap, CompleteStage{RecordID: rec.ID, Actor: nurse}, t0)
		expectErr(t, err, ErrInvalidTransition)
	})
	t.Run("return without scans", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StageReturn, StatusPending)

		_, err := Apply(snap, CompleteStage{RecordID: rec.ID, Actor: nurse}, t0)
		expectErr(t, err, ErrNotUnlocked)
	})
}

func TestApply_CompleteDeliveryFromArrived(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)
	addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
	addRecord(snap, p.ID, StageStaging, StatusCompleted)
	rec := addRecord(snap, p.ID, StageDelivery, StatusArrived)
	addScan(snap, p.ID, CheckpointPharmacyDispatch, t0)
	addScan(snap, p.ID, CheckpointServiceArrival, t0)

	out := mustApply(t, snap, CompleteStage{RecordID: rec.ID, Expected: StatusArrived, Actor: nurse})
	if out.Record.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", out.Record.Status)
	}
}

func TestApply_CompleteReturnGate(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)
	rec := addRecord(snap, p.ID, StageReturn, StatusInProgress)
	addScan(snap, p.ID, CheckpointReturnPickup, t0)
	addScan(snap, p.ID, CheckpointReturnReceipt, t0)
	linked := addReturn(snap, p.ID, true, ReturnPending)
	addReturn(snap, p.ID, false, ReturnPending)

	_, err := Apply(snap, CompleteStage{RecordID: rec.ID, Actor: nurse}, t0)
	var nu *NotUnlockedError
	if !errors.As(err, &nu) || nu.PendingReturns != 1 || len(nu.Missing) != 0 {
		t.Fatalf("expected one pending linked return, got %v", err)
	}

	for i := range snap.Returns {
		if snap.Returns[i].ID == linked.ID {
			snap.Returns[i].Status = ReturnRejected
		}
	}
	mustApply(t, snap, CompleteStage{RecordID: rec.ID, Actor: nurse})
}

func TestApply_AutoComplete(t *testing.T) {
	p := patient("Ana", "cardio", "101")

	t.Run("creates completed pre-dispatch", func(t *testing.T) {
		snap := newSnap(p)
		out := mustApply(t, snap, AutoCompleteStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StagePreDispatch, Actor: regent})
		if out.Record.Status != StatusCompleted || out.Record.StartedAt == nil || out.Record.CompletedAt == nil {
			t.Errorf("expected fully stamped COMPLETED record, got %+v", out.Record)
		}
	})
	t.Run("completes existing in-progress", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		addRecord(snap, p.ID, StageStaging, StatusCompleted)
		addRecord(snap, p.ID, StageValidation, StatusInProgress)
		out := mustApply(t, snap, AutoCompleteStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StageValidation, Actor: validator})
		if out.Record.Status != StatusCompleted {
			t.Errorf("expected COMPLETED, got %s", out.Record.Status)
		}
	})
	t.Run("wrong role", func(t *testing.T) {
		snap := newSnap(p)
		_, err := Apply(snap, AutoCompleteStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StagePreDispatch, Actor: validator}, t0)
		expectErr(t, err, ErrForbidden)
	})
	t.Run("admin allowed", func(t *testing.T) {
		snap := newSnap(p)
		mustApply(t, snap, AutoCompleteStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StagePreDispatch, Actor: admin})
	})
	t.Run("not offered on staging", func(t *testing.T) {
		snap := newSnap(p)
		_, err := Apply(snap, AutoCompleteStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StageStaging, Actor: regent}, t0)
		expectErr(t, err, ErrInvalidTransition)
	})
	t.Run("already completed", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		_, err := Apply(snap, AutoCompleteStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StagePreDispatch, Actor: regent}, t0)
		expectErr(t, err, ErrStateChanged)
	})
	t.Run("validation prerequisite", func(t *testing.T) {
		snap := newSnap(p)
		_, err := Apply(snap, AutoCompleteStage{SessionID: snap.Session.ID, PatientID: p.ID, Stage: StageValidation, Actor: validator}, t0)
		expectErr(t, err, ErrPrerequisiteNotMet)
	})
}

func TestApply_ReportAndResolveError(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)
	rec := addRecord(snap, p.ID, StagePreDispatch, StatusInProgress)

	out := mustApply(t, snap, ReportError{SessionID: snap.Session.ID, RecordID: &rec.ID, Message: " wrong tray ", Actor: regent})
	if out.Record.Status != StatusError {
		t.Fatalf("expected ERROR, got %s", out.Record.Status)
	}
	if out.Entry == nil || out.Entry.Kind != ErrorReported || out.Entry.Message != "wrong tray" {
		t.Fatalf("unexpected entry %+v", out.Entry)
	}
	if out.Entry.PreviousStatus == nil || *out.Entry.PreviousStatus != StatusInProgress {
		t.Errorf("expected previous status IN_PROGRESS, got %v", out.Entry.PreviousStatus)
	}
	errored := out.Snapshot

	_, err := Apply(errored, ReportError{SessionID: snap.Session.ID, RecordID: &rec.ID, Message: "again", Actor: regent}, t0)
	expectErr(t, err, ErrStageInError)

	_, err = Apply(errored, CompleteStage{RecordID: rec.ID, Actor: regent}, t0)
	expectErr(t, err, ErrStageInError)

	resolved := mustApply(t, errored, ResolveError{RecordID: rec.ID, Actor: supervisor})
	if resolved.Record.Status != StatusInProgress {
		t.Errorf("expected IN_PROGRESS after resolve, got %s", resolved.Record.Status)
	}
	if resolved.Entry.Kind != ErrorResolved || resolved.Entry.Message != "resolved" {
		t.Errorf("unexpected resolution entry %+v", resolved.Entry)
	}
	if len(resolved.Snapshot.Errors) != 2 {
		t.Errorf("expected two log entries, got %d", len(resolved.Snapshot.Errors))
	}

	_, err = Apply(resolved.Snapshot, ResolveError{RecordID: rec.ID, Actor: supervisor}, t0)
	expectErr(t, err, ErrStateChanged)
}

func TestApply_ReportProblemWithoutRecord(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)

	out := mustApply(t, snap, ReportError{SessionID: snap.Session.ID, PatientID: &p.ID, Message: "label torn", Actor: nurse})
	if out.Record != nil {
		t.Error("expected no record change")
	}
	if len(out.Batch.Changes) != 1 {
		t.Fatalf("expected a single log entry, got %d changes", len(out.Batch.Changes))
	}

	_, err := Apply(snap, ReportError{SessionID: snap.Session.ID, Message: "   ", Actor: nurse}, t0)
	expectErr(t, err, ErrValidation)
}

func TestApply_RecordScanMirrorsDelivery(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)
	addRecord(snap, p.ID, StageDelivery, StatusInProgress)

	out := mustApply(t, snap, RecordScan{SessionID: snap.Session.ID, PatientID: p.ID, Kind: CheckpointPharmacyDispatch, Temperature: 5, Actor: regent})
	if out.Record == nil || out.Record.Status != StatusDispatched {
		t.Fatalf("expected DISPATCHED, got %+v", out.Record)
	}
	upd := out.Batch.Changes[1].(UpdateStage)
	if !upd.Optional {
		t.Error("mirror update must be optional")
	}

	out = mustApply(t, out.Snapshot, RecordScan{SessionID: snap.Session.ID, PatientID: p.ID, Kind: CheckpointServiceArrival, Temperature: 6, Actor: nurse})
	if out.Record == nil || out.Record.Status != StatusArrived {
		t.Fatalf("expected ARRIVED, got %+v", out.Record)
	}
	if !IsDeliveryUnlocked(p.ID, out.Snapshot) {
		t.Error("expected delivery unlocked")
	}
}

func TestApply_ReturnRecordFollowsPickupAndApproval(t *testing.T) {
	p := patient("Ana", "cardio", "101")

	t.Run("pickup scan", func(t *testing.T) {
		snap := newSnap(p)
		rec := addRecord(snap, p.ID, StageReturn, StatusPending)
		out := mustApply(t, snap, RecordScan{SessionID: snap.Session.ID, PatientID: p.ID, Kind: CheckpointReturnPickup, Temperature: 20, Actor: nurse})
		if out.Record == nil || out.Record.ID != rec.ID || out.Record.Status != StatusInProgress {
			t.Fatalf("expected RETURN record IN_PROGRESS, got %+v", out.Record)
		}
		if out.Record.StartedAt == nil {
			t.Error("expected StartedAt to be stamped")
		}
		if got := EffectiveState(p.ID, StageReturn, out.Snapshot).Status; got != StatusInProgress {
			t.Errorf("expected view IN_PROGRESS, got %s", got)
		}
	})
	t.Run("receipt alone does not move", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StageReturn, StatusPending)
		out := mustApply(t, snap, RecordScan{SessionID: snap.Session.ID, PatientID: p.ID, Kind: CheckpointReturnReceipt, Temperature: 20, Actor: nurse})
		if out.Record != nil {
			t.Errorf("expected no record change, got %+v", out.Record)
		}
	})
	t.Run("linked approval", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StageReturn, StatusPending)
		rr := addReturn(snap, p.ID, true, ReturnPending)
		out := mustApply(t, snap, ApproveReturn{ReturnID: rr.ID, Actor: supervisor})
		if got := EffectiveState(p.ID, StageReturn, out.Snapshot); got.Virtual || got.Status != StatusInProgress {
			t.Errorf("expected persisted IN_PROGRESS, got %+v", got)
		}
	})
	t.Run("rejection leaves the stage alone", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StageReturn, StatusPending)
		rr := addReturn(snap, p.ID, true, ReturnPending)
		out := mustApply(t, snap, RejectReturn{ReturnID: rr.ID, Actor: supervisor})
		if got := EffectiveState(p.ID, StageReturn, out.Snapshot).Status; got != StatusPending {
			t.Errorf("expected PENDING, got %s", got)
		}
	})
	t.Run("standalone approval leaves the stage alone", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StageReturn, StatusPending)
		rr := addReturn(snap, p.ID, false, ReturnPending)
		out := mustApply(t, snap, ApproveReturn{ReturnID: rr.ID, Actor: supervisor})
		if out.Record != nil {
			t.Errorf("expected no record change, got %+v", out.Record)
		}
	})
}

func TestApply_RecordScanWithoutRecord(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)

	out := mustApply(t, snap, RecordScan{SessionID: snap.Session.ID, PatientID: p.ID, Kind: CheckpointServiceArrival, Temperature: 5, RequestKey: "k-1", Actor: nurse})
	if out.Record != nil || len(out.Batch.Changes) != 1 {
		t.Fatalf("expected scan only, got %+v", out.Batch.Changes)
	}

	replay := mustApply(t, out.Snapshot, RecordScan{SessionID: snap.Session.ID, PatientID: p.ID, Kind: CheckpointServiceArrival, Temperature: 5, RequestKey: "k-1", Actor: nurse})
	if !replay.Replayed || replay.Scan.ID != out.Scan.ID || len(replay.Batch.Changes) != 0 {
		t.Errorf("expected replay of %s, got %+v", out.Scan.ID, replay)
	}

	_, err := Apply(snap, RecordScan{SessionID: snap.Session.ID, PatientID: p.ID, Kind: "DOOR", Actor: nurse}, t0)
	expectErr(t, err, ErrValidation)
}

func TestApply_CreateReturn(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	supplies := []SupplyLine{{Code: " AMOX500 ", Quantity: 2}}

	t.Run("standalone", func(t *testing.T) {
		snap := newSnap(p)
		out := mustApply(t, snap, CreateReturn{PatientID: p.ID, Causes: []string{"refused", " refused ", ""}, Supplies: supplies, Actor: nurse})
		if out.Return.Status != ReturnPending || out.Return.Linked() {
			t.Errorf("expected standalone PENDING, got %+v", out.Return)
		}
		if len(out.Return.Causes) != 1 || out.Return.Supplies[0].Code != "AMOX500" {
			t.Errorf("expected normalized input, got %+v", out.Return)
		}
		if out.Batch.SessionID != nil {
			t.Error("standalone request must not bump the session version")
		}
	})
	t.Run("linked", func(t *testing.T) {
		snap := newSnap(p)
		out := mustApply(t, snap, CreateReturn{PatientID: p.ID, SessionID: &snap.Session.ID, Causes: []string{"refused"}, Supplies: supplies, Actor: nurse})
		if !out.Return.Linked() || out.Batch.SessionID == nil {
			t.Errorf("expected linked request in a session batch, got %+v", out.Return)
		}
	})
	t.Run("discharged patient allowed", func(t *testing.T) {
		gone := patient("Old", "cardio", "100")
		gone.Active = false
		snap := newSnap(gone)
		mustApply(t, snap, CreateReturn{PatientID: gone.ID, Causes: []string{"discharged"}, Supplies: supplies, Actor: nurse})
	})

	invalid := []struct {
		name string
		cmd  CreateReturn
	}{
		{"no causes", CreateReturn{PatientID: p.ID, Causes: []string{" "}, Supplies: supplies}},
		{"too many causes", CreateReturn{PatientID: p.ID, Causes: strings.Split("a,b,c,d,e,f,g,h,i,j,k", ","), Supplies: supplies}},
		{"no supplies", CreateReturn{PatientID: p.ID, Causes: []string{"x"}}},
		{"zero quantity", CreateReturn{PatientID: p.ID, Causes: []string{"x"}, Supplies: []SupplyLine{{Code: "A", Quantity: 0}}}},
		{"blank code", CreateReturn{PatientID: p.ID, Causes: []string{"x"}, Supplies: []SupplyLine{{Code: " ", Quantity: 1}}}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(newSnap(p), tt.cmd, t0)
			expectErr(t, err, ErrValidation)
		})
	}
}

func TestApply_ResolveReturn(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)
	rr := addReturn(snap, p.ID, true, ReturnPending)

	out := mustApply(t, snap, ApproveReturn{ReturnID: rr.ID, Comment: "ok", Actor: supervisor})
	if out.Return.Status != ReturnApproved || out.Return.ResolvedBy == nil || *out.Return.ResolvedBy != supervisor.ID {
		t.Fatalf("unexpected approval %+v", out.Return)
	}
	if out.Batch.SessionID == nil {
		t.Error("linked approval must republish the session")
	}
	if got := EffectiveState(p.ID, StageReturn, out.Snapshot).Status; got != StatusInProgress {
		t.Errorf("expected RETURN IN_PROGRESS after approval, got %s", got)
	}

	_, err := Apply(out.Snapshot, RejectReturn{ReturnID: rr.ID, Actor: supervisor}, t0)
	var sc *StateChangedError
	if !errors.As(err, &sc) || sc.Current != string(ReturnApproved) {
		t.Fatalf("expected StateChangedError, got %v", err)
	}
}

func TestApply_EndSession(t *testing.T) {
	p := patient("Ana", "cardio", "101")

	t.Run("cancel before any completion", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusInProgress)
		out := mustApply(t, snap, CancelSession{SessionID: snap.Session.ID, Note: "wrong day", Actor: supervisor})
		if out.Session.Status != SessionCancelled || out.Session.EndedAt == nil {
			t.Errorf("expected CANCELLED, got %+v", out.Session)
		}
		upd := out.Batch.Changes[0].(UpdateSession)
		if !upd.RequireNoCompletedPreDispatch {
			t.Error("cancellation must carry the store-side guard")
		}
	})
	t.Run("cancel blocked", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		_, err := Apply(snap, CancelSession{SessionID: snap.Session.ID, Actor: supervisor}, t0)
		expectErr(t, err, ErrCancellationBlocked)
	})
	t.Run("complete allowed after work", func(t *testing.T) {
		snap := newSnap(p)
		addRecord(snap, p.ID, StagePreDispatch, StatusCompleted)
		out := mustApply(t, snap, CompleteSession{SessionID: snap.Session.ID, Actor: supervisor})
		if out.Session.Status != SessionCompleted {
			t.Errorf("expected COMPLETED, got %s", out.Session.Status)
		}
	})
	t.Run("same status replays", func(t *testing.T) {
		snap := newSnap(p)
		snap.Session.Status = SessionCompleted
		out := mustApply(t, snap, CompleteSession{SessionID: snap.Session.ID, Actor: supervisor})
		if !out.Replayed || len(out.Batch.Changes) != 0 {
			t.Errorf("expected replay, got %+v", out)
		}
	})
	t.Run("other terminal status", func(t *testing.T) {
		snap := newSnap(p)
		snap.Session.Status = SessionCancelled
		_, err := Apply(snap, CompleteSession{SessionID: snap.Session.ID, Actor: supervisor}, t0)
		expectErr(t, err, ErrStateChanged)
	})
}

func TestAuthorize(t *testing.T) {
	p := patient("Ana", "cardio", "101")
	snap := newSnap(p)
	rec := addRecord(snap, p.ID, StageValidation, StatusInProgress)

	if err := Authorize(capabilities, snap, CompleteStage{RecordID: rec.ID, Actor: nurse}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected nurse forbidden on VALIDATION, got %v", err)
	}
	if err := Authorize(capabilities, snap, CompleteStage{RecordID: rec.ID, Actor: validator}); err != nil {
		t.Errorf("expected validator allowed, got %v", err)
	}
	multi := Actor{ID: "x", Roles: []Role{RoleNurse, RoleValidator}}
	if err := Authorize(capabilities, snap, CompleteStage{RecordID: rec.ID, Actor: multi}); err != nil {
		t.Errorf("any held role should suffice, got %v", err)
	}
	if err := Authorize(capabilities, snap, RecordScan{Kind: CheckpointReturnPickup, Actor: validator}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected validator forbidden to scan, got %v", err)
	}
	if err := Authorize(capabilities, snap, ApproveReturn{Actor: nurse}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected nurse forbidden to approve, got %v", err)
	}
	var fe *ForbiddenError
	err := Authorize(capabilities, snap, CancelSession{Actor: regent})
	if !errors.As(err, &fe) || fe.Action != ActionCancelSession {
		t.Errorf("expected ForbiddenError naming cancel_session, got %v", err)
	}
}
