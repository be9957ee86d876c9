package dispensing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrReadOnlyDirectory is returned by admission calls when the configured
// patient directory cannot be written to.
var ErrReadOnlyDirectory = errors.New("patient directory is read-only")

func (s *Service) ListPatients(ctx context.Context) ([]Patient, error) {
	return s.patients.ListActive(ctx)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetPatient(ctx, id)
}

// AdmitPatient registers p as active. The active session's board is
// republished so the patient appears on it.
func (s *Service) AdmitPatient(ctx context.Context, p *Patient, actor Actor) error {
	start := time.Now()
	err := s.admit(ctx, p, actor)
	s.observe(ctx, "patient.admit", actor, fields{patient: &p.ID, subject: p.Bed}, false, err, time.Since(start))
	if err == nil {
		s.publishActive(ctx)
	}
	return err
}

func (s *Service) admit(ctx context.Context, p *Patient, actor Actor) error {
	reg, ok := s.patients.(PatientRegistry)
	if !ok {
		return ErrReadOnlyDirectory
	}
	if err := s.authorizeStatic(actor, "", ActionManagePatients); err != nil {
		return err
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Bed = strings.TrimSpace(p.Bed)
	p.Service = strings.TrimSpace(p.Service)
	if p.Name == "" {
		return validationError("patient name is required")
	}
	if p.Bed == "" {
		return validationError("patient bed is required")
	}
	return reg.AdmitPatient(ctx, p)
}

// DischargePatient marks a patient inactive. Records already written for the
// patient are kept, but no new stage or scan may be recorded.
func (s *Service) DischargePatient(ctx context.Context, id uuid.UUID, actor Actor) error {
	start := time.Now()
	err := s.discharge(ctx, id, actor)
	s.observe(ctx, "patient.discharge", actor, fields{patient: &id}, false, err, time.Since(start))
	if err == nil {
		s.publishActive(ctx)
	}
	return err
}

func (s *Service) discharge(ctx context.Context, id uuid.UUID, actor Actor) error {
	reg, ok := s.patients.(PatientRegistry)
	if !ok {
		return ErrReadOnlyDirectory
	}
	if err := s.authorizeStatic(actor, "", ActionManagePatients); err != nil {
		return err
	}
	return reg.DischargePatient(ctx, id, s.clock.Now())
}

func (s *Service) publishActive(ctx context.Context) {
	sess, err := s.store.ActiveSession(ctx)
	if err != nil {
		return
	}
	s.publishSession(ctx, sess.ID)
}
