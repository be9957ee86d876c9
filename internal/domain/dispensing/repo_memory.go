package dispensing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type sessionStageKey struct {
	SessionID uuid.UUID
	PatientID uuid.UUID
	Stage     Stage
}

type memoryState struct {
	sessions   map[uuid.UUID]Session
	active     *uuid.UUID
	stages     map[uuid.UUID]StageRecord
	stageKeys  map[sessionStageKey]uuid.UUID
	scans      []ScanEvent
	scanKeys   map[string]int
	returns    map[uuid.UUID]ReturnRequest
	returnKeys map[string]uuid.UUID
	errors     []ErrorLogEntry
	patients   map[uuid.UUID]Patient
}

func newMemoryState() memoryState {
	return memoryState{
		sessions:   make(map[uuid.UUID]Session),
		stages:     make(map[uuid.UUID]StageRecord),
		stageKeys:  make(map[sessionStageKey]uuid.UUID),
		scanKeys:   make(map[string]int),
		returns:    make(map[uuid.UUID]ReturnRequest),
		returnKeys: make(map[string]uuid.UUID),
		patients:   make(map[uuid.UUID]Patient),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		sessions:   make(map[uuid.UUID]Session, len(s.sessions)),
		stages:     make(map[uuid.UUID]StageRecord, len(s.stages)),
		stageKeys:  make(map[sessionStageKey]uuid.UUID, len(s.stageKeys)),
		scans:      append([]ScanEvent(nil), s.scans...),
		scanKeys:   make(map[string]int, len(s.scanKeys)),
		returns:    make(map[uuid.UUID]ReturnRequest, len(s.returns)),
		returnKeys: make(map[string]uuid.UUID, len(s.returnKeys)),
		errors:     append([]ErrorLogEntry(nil), s.errors...),
		patients:   make(map[uuid.UUID]Patient, len(s.patients)),
	}
	if s.active != nil {
		id := *s.active
		out.active = &id
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.stages {
		out.stages[k] = v
	}
	for k, v := range s.stageKeys {
		out.stageKeys[k] = v
	}
	for k, v := range s.scanKeys {
		out.scanKeys[k] = v
	}
	for k, v := range s.returns {
		out.returns[k] = v
	}
	for k, v := range s.returnKeys {
		out.returnKeys[k] = v
	}
	for k, v := range s.patients {
		out.patients[k] = v
	}
	return out
}

// MemoryStore is an in-process Store and PatientRegistry. Each Commit works on
// a copy of the whole state and swaps it in only when every change applied, so
// readers never see a partially applied batch.
type MemoryStore struct {
	mu    sync.RWMutex
	state memoryState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (m *MemoryStore) ActiveSession(_ context.Context) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.active == nil {
		return nil, notFound("session", "ACTIVE")
	}
	sess := m.state.sessions[*m.state.active]
	return &sess, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.state.sessions[id]
	if !ok {
		return nil, notFound("session", id)
	}
	return &sess, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.active != nil {
		return &AlreadyExistsError{Entity: "session", Key: string(SessionActive), ExistingID: *m.state.active}
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.Status = SessionActive
	m.state.sessions[s.ID] = *s
	id := s.ID
	m.state.active = &id
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context, limit, offset int) ([]*Session, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Session, 0, len(m.state.sessions))
	for _, s := range m.state.sessions {
		sess := s
		all = append(all, &sess)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	return pageOf(all, limit, offset), len(all), nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.state.sessions[sessionID]
	if !ok {
		return nil, notFound("session", sessionID)
	}
	snap := NewSnapshot(&sess)
	for _, rec := range m.state.stages {
		if rec.SessionID == sessionID {
			snap.Stages[StageKey{PatientID: rec.PatientID, Stage: rec.Stage}] = rec
		}
	}
	for _, sc := range m.state.scans {
		if sc.SessionID == sessionID {
			snap.Scans = append(snap.Scans, sc)
		}
	}
	for _, r := range m.state.returns {
		if (r.SessionID != nil && *r.SessionID == sessionID) || r.Status == ReturnPending {
			snap.Returns = append(snap.Returns, r)
		}
	}
	sort.SliceStable(snap.Returns, func(i, j int) bool { return snap.Returns[i].RequestedAt.Before(snap.Returns[j].RequestedAt) })
	for _, e := range m.state.errors {
		if e.SessionID == sessionID {
			snap.Errors = append(snap.Errors, e)
		}
	}
	return snap, nil
}

func (m *MemoryStore) GetStageRecord(_ context.Context, id uuid.UUID) (*StageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.state.stages[id]
	if !ok {
		return nil, notFound("stage record", id)
	}
	return &rec, nil
}

func (m *MemoryStore) ListErrors(_ context.Context, sessionID uuid.UUID) ([]ErrorLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []ErrorLogEntry{}
	for _, e := range m.state.errors {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindScanByKey(_ context.Context, key string) (*ScanEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.state.scanKeys[key]
	if !ok {
		return nil, notFound("scan", key)
	}
	sc := m.state.scans[i]
	return &sc, nil
}

func (m *MemoryStore) GetReturn(_ context.Context, id uuid.UUID) (*ReturnRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.state.returns[id]
	if !ok {
		return nil, notFound("return request", id)
	}
	return &r, nil
}

func (m *MemoryStore) ListReturnsByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]ReturnRequest, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []ReturnRequest
	for _, r := range m.state.returns {
		if r.PatientID == patientID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RequestedAt.After(all[j].RequestedAt) })
	return pageOf(all, limit, offset), len(all), nil
}

func (m *MemoryStore) FindReturnByKey(_ context.Context, key string) (*ReturnRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.state.returnKeys[key]
	if !ok {
		return nil, notFound("return request", key)
	}
	r := m.state.returns[id]
	return &r, nil
}

// Commit applies b to a copy of the state and swaps it in on success.
func (m *MemoryStore) Commit(_ context.Context, b Batch) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state.clone()
	var version int64
	if b.SessionID != nil {
		sess, ok := st.sessions[*b.SessionID]
		if !ok {
			return 0, notFound("session", *b.SessionID)
		}
		if sess.Status != SessionActive {
			return 0, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, ErrSessionClosed)
		}
		sess.Version++
		version = sess.Version
		st.sessions[sess.ID] = sess
	}
	for _, ch := range b.Changes {
		if err := st.apply(ch); err != nil {
			return 0, err
		}
	}
	m.state = st
	return version, nil
}

func (st *memoryState) apply(ch Change) error {
	switch c := ch.(type) {
	case InsertStage:
		key := sessionStageKey{SessionID: c.Record.SessionID, PatientID: c.Record.PatientID, Stage: c.Record.Stage}
		if id, ok := st.stageKeys[key]; ok {
			return &AlreadyExistsError{
				Entity:     "stage record",
				Key:        fmt.Sprintf("%s/%s/%s", key.SessionID, key.PatientID, key.Stage),
				ExistingID: id,
			}
		}
		st.stageKeys[key] = c.Record.ID
		st.stages[c.Record.ID] = c.Record
	case UpdateStage:
		cur, ok := st.stages[c.Record.ID]
		if !ok {
			return notFound("stage record", c.Record.ID)
		}
		if cur.Status != c.Expected {
			if c.Optional {
				return nil
			}
			return stateChanged(cur, c.Expected)
		}
		st.stages[c.Record.ID] = c.Record
	case InsertScan:
		if c.Scan.RequestKey != nil {
			if _, ok := st.scanKeys[*c.Scan.RequestKey]; ok {
				return &AlreadyExistsError{Entity: "scan", Key: *c.Scan.RequestKey}
			}
			st.scanKeys[*c.Scan.RequestKey] = len(st.scans)
		}
		st.scans = append(st.scans, c.Scan)
	case InsertReturn:
		if c.Request.RequestKey != nil {
			if id, ok := st.returnKeys[*c.Request.RequestKey]; ok {
				return &AlreadyExistsError{Entity: "return request", Key: *c.Request.RequestKey, ExistingID: id}
			}
			st.returnKeys[*c.Request.RequestKey] = c.Request.ID
		}
		st.returns[c.Request.ID] = c.Request
	case UpdateReturn:
		cur, ok := st.returns[c.Request.ID]
		if !ok {
			return notFound("return request", c.Request.ID)
		}
		if cur.Status != c.Expected {
			return &StateChangedError{Entity: "return request", ID: cur.ID, Expected: string(c.Expected), Current: string(cur.Status)}
		}
		st.returns[c.Request.ID] = c.Request
	case InsertErrorLog:
		st.errors = append(st.errors, c.Entry)
	case UpdateSession:
		cur, ok := st.sessions[c.Session.ID]
		if !ok {
			return notFound("session", c.Session.ID)
		}
		if cur.Status != c.Expected {
			return &StateChangedError{Entity: "session", ID: cur.ID, Expected: string(c.Expected), Current: string(cur.Status)}
		}
		if c.RequireNoCompletedPreDispatch {
			for _, rec := range st.stages {
				if rec.SessionID == cur.ID && rec.Stage == StagePreDispatch && rec.Status == StatusCompleted {
					return fmt.Errorf("session %s: %w", cur.ID, ErrCancellationBlocked)
				}
			}
		}
		next := c.Session
		next.Version = cur.Version
		st.sessions[cur.ID] = next
		if next.Status != SessionActive && st.active != nil && *st.active == cur.ID {
			st.active = nil
		}
	default:
		return fmt.Errorf("unknown change %T", ch)
	}
	return nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Patient{}
	for _, p := range m.state.patients {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bed < out[j].Bed })
	return out, nil
}

func (m *MemoryStore) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.state.patients[id]
	if !ok {
		return nil, notFound("patient", id)
	}
	return &p, nil
}

func (m *MemoryStore) AdmitPatient(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if cur, ok := m.state.patients[p.ID]; ok && !cur.Active {
		return fmt.Errorf("patient %s was discharged: %w", p.ID, ErrPatientInactive)
	}
	p.Active = true
	p.DischargedAt = nil
	m.state.patients[p.ID] = *p
	return nil
}

func (m *MemoryStore) DischargePatient(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.patients[id]
	if !ok {
		return notFound("patient", id)
	}
	if !p.Active {
		return nil
	}
	p.Active = false
	p.DischargedAt = &at
	m.state.patients[id] = p
	return nil
}

func pageOf[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return []T{}
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
