package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service owns practitioners and patients. It also satisfies the booking
// domain's Directory, resolving resources to practitioners and subjects to
// patients.
type Service struct {
	patients      PatientRepository
	practitioners PractitionerRepository
}

func NewService(patients PatientRepository, practitioners PractitionerRepository) *Service {
	return &Service{patients: patients, practitioners: practitioners}
}

// -- Practitioner --

func (s *Service) CreatePractitioner(ctx context.Context, p *Practitioner) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	p.Active = true
	return s.practitioners.Create(ctx, p)
}

func (s *Service) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return s.practitioners.GetByID(ctx, id)
}

func (s *Service) ListPractitioners(ctx context.Context, limit, offset int) ([]*Practitioner, int, error) {
	return s.practitioners.List(ctx, limit, offset)
}

// -- Patient --

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if p.MRN == "" {
		return fmt.Errorf("mrn is required")
	}
	p.Active = true
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

// -- Directory --

func (s *Service) ResourceExists(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.practitioners.ExistsActive(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lookup practitioner %s: %w", id, err)
	}
	return ok, nil
}

func (s *Service) SubjectExists(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.patients.ExistsActive(ctx, id)
	if err != nil {
		return false, fmt.Errorf("lookup patient %s: %w", id, err)
	}
	return ok, nil
}
