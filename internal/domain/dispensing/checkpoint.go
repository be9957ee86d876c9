package dispensing

import (
	"sort"

	"github.com/google/uuid"
)

var (
	deliveryCheckpoints = []CheckpointKind{CheckpointPharmacyDispatch, CheckpointServiceArrival}
	returnCheckpoints   = []CheckpointKind{CheckpointReturnPickup, CheckpointReturnReceipt}
)

// CheckpointStatus is the checkpoint read for one patient in one session.
type CheckpointStatus struct {
	PatientID        uuid.UUID        `json:"patient_id"`
	Scans            []ScanEvent      `json:"scans"`
	DeliveryUnlocked bool             `json:"delivery_unlocked"`
	ReturnUnlocked   bool             `json:"return_unlocked"`
	MissingDelivery  []CheckpointKind `json:"missing_delivery,omitempty"`
	MissingReturn    []CheckpointKind `json:"missing_return,omitempty"`
}

// scannedKinds collects the checkpoint kinds recorded for a patient.
func scannedKinds(snap *Snapshot, patientID uuid.UUID) map[CheckpointKind]bool {
	kinds := make(map[CheckpointKind]bool, 4)
	for _, sc := range snap.Scans {
		if sc.PatientID == patientID {
			kinds[sc.Kind] = true
		}
	}
	return kinds
}

func missing(have map[CheckpointKind]bool, need []CheckpointKind) []CheckpointKind {
	var out []CheckpointKind
	for _, k := range need {
		if !have[k] {
			out = append(out, k)
		}
	}
	return out
}

// IsDeliveryUnlocked reports whether both PHARMACY_DISPATCH and SERVICE_ARRIVAL
// exist for the patient. The order in which they were recorded is irrelevant.
func IsDeliveryUnlocked(patientID uuid.UUID, snap *Snapshot) bool {
	return len(missing(scannedKinds(snap, patientID), deliveryCheckpoints)) == 0
}

// IsReturnUnlocked reports whether both RETURN_PICKUP and RETURN_RECEIPT exist
// for the patient.
func IsReturnUnlocked(patientID uuid.UUID, snap *Snapshot) bool {
	return len(missing(scannedKinds(snap, patientID), returnCheckpoints)) == 0
}

// Checkpoints builds the checkpoint read for a patient.
func Checkpoints(patientID uuid.UUID, snap *Snapshot) CheckpointStatus {
	have := scannedKinds(snap, patientID)
	st := CheckpointStatus{
		PatientID:       patientID,
		Scans:           []ScanEvent{},
		MissingDelivery: missing(have, deliveryCheckpoints),
		MissingReturn:   missing(have, returnCheckpoints),
	}
	for _, sc := range snap.Scans {
		if sc.PatientID == patientID {
			st.Scans = append(st.Scans, sc)
		}
	}
	sort.SliceStable(st.Scans, func(i, j int) bool { return st.Scans[i].ScannedAt.Before(st.Scans[j].ScannedAt) })
	st.DeliveryUnlocked = len(st.MissingDelivery) == 0
	st.ReturnUnlocked = len(st.MissingReturn) == 0
	return st
}

// deliveryMirror returns the status a DELIVERY record should move to after a
// scan of kind k, given the scans already present. ok is false when the scan
// does not move the record.
func deliveryMirror(cur Status, k CheckpointKind, have map[CheckpointKind]bool) (Status, bool) {
	switch k {
	case CheckpointPharmacyDispatch:
		if have[CheckpointServiceArrival] && cur.InFlight() && cur != StatusArrived {
			return StatusArrived, true
		}
		if cur == StatusInProgress {
			return StatusDispatched, true
		}
	case CheckpointServiceArrival:
		if have[CheckpointPharmacyDispatch] && cur.InFlight() && cur != StatusArrived {
			return StatusArrived, true
		}
	}
	return "", false
}

// returnMirror returns the status a RETURN record moves to once the pickup is
// scanned or a linked request is approved. Only PENDING records move.
func returnMirror(cur Status) (Status, bool) {
	if cur == StatusPending {
		return StatusInProgress, true
	}
	return "", false
}
