package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// -- Mock Repositories --

type mockPractitionerRepo struct {
	items map[uuid.UUID]*Practitioner
	err   error
}

func newMockPractitionerRepo() *mockPractitionerRepo {
	return &mockPractitionerRepo{items: make(map[uuid.UUID]*Practitioner)}
}

func (m *mockPractitionerRepo) Create(_ context.Context, p *Practitioner) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = time.Now()
	m.items[p.ID] = p
	return nil
}

func (m *mockPractitionerRepo) GetByID(_ context.Context, id uuid.UUID) (*Practitioner, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPractitionerRepo) ExistsActive(_ context.Context, id uuid.UUID) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	p, ok := m.items[id]
	return ok && p.Active, nil
}

func (m *mockPractitionerRepo) List(_ context.Context, limit, offset int) ([]*Practitioner, int, error) {
	var out []*Practitioner
	for _, p := range m.items {
		out = append(out, p)
	}
	return out, len(out), nil
}

type mockPatientRepo struct {
	items map[uuid.UUID]*Patient
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{items: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	p.ID = uuid.New()
	m.items[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPatientRepo) ExistsActive(_ context.Context, id uuid.UUID) (bool, error) {
	p, ok := m.items[id]
	return ok && p.Active, nil
}

func (m *mockPatientRepo) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	var out []*Patient
	for _, p := range m.items {
		out = append(out, p)
	}
	return out, len(out), nil
}

func newTestService() (*Service, *mockPractitionerRepo, *mockPatientRepo) {
	pr := newMockPractitionerRepo()
	pa := newMockPatientRepo()
	return NewService(pa, pr), pr, pa
}

func TestCreatePractitioner(t *testing.T) {
	svc, _, _ := newTestService()
	p := &Practitioner{FirstName: "Ana", LastName: "Ruiz"}
	if err := svc.CreatePractitioner(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == uuid.Nil || !p.Active {
		t.Error("expected id assigned and active")
	}
}

func TestCreatePractitioner_MissingName(t *testing.T) {
	svc, _, _ := newTestService()
	if err := svc.CreatePractitioner(context.Background(), &Practitioner{FirstName: "Ana"}); err == nil {
		t.Error("expected error for missing last_name")
	}
}

func TestCreatePatient_MissingMRN(t *testing.T) {
	svc, _, _ := newTestService()
	if err := svc.CreatePatient(context.Background(), &Patient{FirstName: "Luis", LastName: "Paz"}); err == nil {
		t.Error("expected error for missing mrn")
	}
}

func TestDirectory(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	pr := &Practitioner{FirstName: "Ana", LastName: "Ruiz"}
	pa := &Patient{MRN: "MRN-1", FirstName: "Luis", LastName: "Paz"}
	if err := svc.CreatePractitioner(ctx, pr); err != nil {
		t.Fatal(err)
	}
	if err := svc.CreatePatient(ctx, pa); err != nil {
		t.Fatal(err)
	}

	if ok, err := svc.ResourceExists(ctx, pr.ID); err != nil || !ok {
		t.Errorf("expected practitioner to resolve: %v %v", ok, err)
	}
	if ok, _ := svc.ResourceExists(ctx, pa.ID); ok {
		t.Error("a patient id must not resolve as a resource")
	}
	if ok, err := svc.SubjectExists(ctx, pa.ID); err != nil || !ok {
		t.Errorf("expected patient to resolve: %v %v", ok, err)
	}

	pr.Active = false
	if ok, _ := svc.ResourceExists(ctx, pr.ID); ok {
		t.Error("inactive practitioner must not resolve")
	}
}

func TestDirectory_StoreError(t *testing.T) {
	svc, pr, _ := newTestService()
	pr.err = errors.New("connection reset")
	if _, err := svc.ResourceExists(context.Background(), uuid.New()); err == nil {
		t.Error("expected error")
	}
}

func TestHandler_CreateAndGetPractitioner(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"first_name":"Ana","last_name":"Ruiz"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreatePractitioner(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	err := h.GetPractitioner(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_CreatePatient_BadRequest(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"first_name":"Luis"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreatePatient(e.NewContext(req, rec)); err == nil {
		t.Error("expected error")
	}
}
