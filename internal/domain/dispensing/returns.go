package dispensing

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

const maxReturnCauses = 10

// PendingReturns lists the PENDING return requests for a patient, oldest first.
// Standalone and process-linked requests are both included.
func PendingReturns(patientID uuid.UUID, snap *Snapshot) []ReturnRequest {
	out := []ReturnRequest{}
	for _, r := range snap.Returns {
		if r.PatientID == patientID && r.Status == ReturnPending {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// pendingLinkedReturns counts PENDING requests tied to the snapshot's session
// for a patient. Only these block RETURN completion.
func pendingLinkedReturns(patientID uuid.UUID, snap *Snapshot) int {
	if snap.Session == nil {
		return 0
	}
	n := 0
	for _, r := range snap.Returns {
		if r.PatientID == patientID && r.Status == ReturnPending && r.SessionID != nil && *r.SessionID == snap.Session.ID {
			n++
		}
	}
	return n
}

func normalizeCauses(causes []string) ([]string, error) {
	out := make([]string, 0, len(causes))
	seen := make(map[string]bool, len(causes))
	for _, c := range causes {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, validationError("at least one cause is required")
	}
	if len(out) > maxReturnCauses {
		return nil, validationError("at most %d causes are allowed", maxReturnCauses)
	}
	return out, nil
}

func validateSupplies(lines []SupplyLine) ([]SupplyLine, error) {
	if len(lines) == 0 {
		return nil, validationError("at least one supply line is required")
	}
	out := make([]SupplyLine, 0, len(lines))
	for i, l := range lines {
		l.Code = strings.TrimSpace(l.Code)
		if l.Code == "" {
			return nil, validationError("supplies[%d].code is required", i)
		}
		if l.Quantity <= 0 {
			return nil, validationError("supplies[%d].quantity must be positive", i)
		}
		out = append(out, l)
	}
	return out, nil
}
