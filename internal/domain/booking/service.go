package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultDuration = 30 * time.Minute
	DefaultKind     = "general-consultation"
	// MaxDuration bounds an explicit duration.
	MaxDuration = 24 * time.Hour
)

// CreateRequest asks for a new booking. End wins over Duration; when both are
// zero the service default duration applies.
type CreateRequest struct {
	ResourceID uuid.UUID
	SubjectID  uuid.UUID
	Start      time.Time
	End        time.Time
	Duration   time.Duration
	Kind       string
	Reason     string
	Room       string
	Note       string
	Actor      string
}

// RescheduleRequest replaces the interval of a booking, optionally moving it to
// another resource. When End and Duration are zero the current length is kept.
type RescheduleRequest struct {
	BookingID  uuid.UUID
	Start      time.Time
	End        time.Time
	Duration   time.Duration
	ResourceID *uuid.UUID
	Actor      string
}

// UpdateRequest edits the descriptive fields of a booking in place. Nil fields
// are left untouched; an empty string clears an optional field.
type UpdateRequest struct {
	BookingID uuid.UUID
	Kind      *string
	Reason    *string
	Room      *string
	Note      *string
	Actor     string
}

// ChangeStateRequest moves a booking along the lifecycle.
type ChangeStateRequest struct {
	BookingID uuid.UUID
	Target    State
	Reason    string
	Actor     string
}

type Option func(*Service)

// WithPublisher fans committed events out to p.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithCache caches agendas in c for ttl.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(s *Service) {
		s.agenda.cache = c
		s.agenda.ttl = ttl
	}
}

// WithDefaults overrides the duration and kind applied when a request omits them.
func WithDefaults(d time.Duration, kind string) Option {
	return func(s *Service) {
		if d > 0 {
			s.defaultDuration = d
		}
		if kind != "" {
			s.defaultKind = kind
		}
	}
}

// WithRecorder counts the outcome of every mutation in r.
func WithRecorder(r OutcomeRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithTracer opens a span per mutation with t.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service orchestrates create, reschedule and state changes. Every
// time-affecting mutation runs the conflict check and the write inside one
// transaction holding the resource lock.
type Service struct {
	repo     Repository
	tx       Transactor
	dir      Directory
	detector *Detector
	agenda   *AgendaReader
	pub      EventPublisher
	recorder OutcomeRecorder
	tracer   trace.Tracer
	logger   zerolog.Logger
	now      func() time.Time

	defaultDuration time.Duration
	defaultKind     string
}

func NewService(repo Repository, tx Transactor, dir Directory, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		tx:              tx,
		dir:             dir,
		detector:        NewDetector(repo),
		agenda:          NewAgendaReader(repo, logger),
		logger:          logger.With().Str("component", "booking").Logger(),
		tracer:          noop.NewTracerProvider().Tracer(""),
		now:             time.Now,
		defaultDuration: DefaultDuration,
		defaultKind:     DefaultKind,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create books req.ResourceID for req.SubjectID.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "booking.create", trace.WithAttributes(
		attribute.String("booking.resource_id", req.ResourceID.String()),
	))
	res, err := s.create(ctx, req)
	s.observe(span, "create", res, err)
	return res, err
}

func (s *Service) create(ctx context.Context, req CreateRequest) (Result, error) {
	if req.ResourceID == uuid.Nil {
		return Result{}, &ValidationError{Field: "resource_id", Message: "resource_id is required"}
	}
	if req.SubjectID == uuid.Nil {
		return Result{}, &ValidationError{Field: "subject_id", Message: "subject_id is required"}
	}
	if req.Actor == "" {
		return Result{}, &ValidationError{Field: "actor", Message: "actor is required"}
	}
	iv, err := resolveInterval(req.Start, req.End, req.Duration, s.defaultDuration)
	if err != nil {
		return Result{}, err
	}

	if ok, err := s.dir.ResourceExists(ctx, req.ResourceID); err != nil {
		return Result{}, fmt.Errorf("resolve resource: %w", err)
	} else if !ok {
		return notFoundResult("resource"), nil
	}
	if ok, err := s.dir.SubjectExists(ctx, req.SubjectID); err != nil {
		return Result{}, fmt.Errorf("resolve subject: %w", err)
	} else if !ok {
		return notFoundResult("subject"), nil
	}

	kind := req.Kind
	if kind == "" {
		kind = s.defaultKind
	}
	now := s.now().UTC()
	b := &Booking{
		ID:         uuid.New(),
		ResourceID: req.ResourceID,
		SubjectID:  req.SubjectID,
		Interval:   iv,
		Kind:       kind,
		State:      StateScheduled,
		Reason:     strPtr(req.Reason),
		Room:       strPtr(req.Room),
		Note:       strPtr(req.Note),
		VersionID:  1,
		CreatedBy:  req.Actor,
		UpdatedBy:  req.Actor,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ev := &Event{
		ID:         uuid.New(),
		BookingID:  b.ID,
		ResourceID: b.ResourceID,
		Action:     ActionCreated,
		ToState:    b.State,
		Interval:   b.Interval,
		Actor:      req.Actor,
		RecordedAt: now,
	}

	var conflicts []*Booking
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		conflicts = nil
		if err := s.repo.LockResources(ctx, b.ResourceID); err != nil {
			return err
		}
		found, err := s.detector.FindConflicts(ctx, b.ResourceID, b.Interval, nil)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			conflicts = found
			return nil
		}
		if err := s.repo.Create(ctx, b); err != nil {
			return err
		}
		return s.repo.RecordEvent(ctx, ev)
	})
	if errors.Is(err, ErrOverlap) {
		return s.conflictAfterConstraint(ctx, b.ResourceID, b.Interval, nil)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("resource_id", b.ResourceID.String()).Str("actor", req.Actor).Msg("create booking failed")
		return Result{}, fmt.Errorf("create booking: %w", err)
	}
	if conflicts != nil {
		s.logConflict(b.ResourceID, b.Interval, conflicts)
		return conflictResult(conflicts), nil
	}

	s.afterCommit(ctx, ev)
	return okResult(b), nil
}

// Reschedule replaces the interval of an active booking.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "booking.reschedule", trace.WithAttributes(
		attribute.String("booking.id", req.BookingID.String()),
	))
	res, err := s.reschedule(ctx, req)
	s.observe(span, "reschedule", res, err)
	return res, err
}

func (s *Service) reschedule(ctx context.Context, req RescheduleRequest) (Result, error) {
	if req.BookingID == uuid.Nil {
		return Result{}, &ValidationError{Field: "id", Message: "booking id is required"}
	}
	if req.Actor == "" {
		return Result{}, &ValidationError{Field: "actor", Message: "actor is required"}
	}
	if req.Start.IsZero() {
		return Result{}, &ValidationError{Field: "start", Message: "start is required"}
	}
	if req.Duration < 0 {
		return Result{}, &ValidationError{Field: "minutes_duration", Message: "duration must be positive"}
	}
	if req.Duration > MaxDuration {
		return Result{}, &ValidationError{Field: "minutes_duration", Message: fmt.Sprintf("duration must not exceed %s", MaxDuration)}
	}
	if !req.End.IsZero() && !req.Start.Before(req.End) {
		return Result{}, &ValidationError{Field: "end", Message: "end must be after start"}
	}
	if req.ResourceID != nil {
		if *req.ResourceID == uuid.Nil {
			return Result{}, &ValidationError{Field: "resource_id", Message: "resource_id is invalid"}
		}
		if ok, err := s.dir.ResourceExists(ctx, *req.ResourceID); err != nil {
			return Result{}, fmt.Errorf("resolve resource: %w", err)
		} else if !ok {
			return notFoundResult("resource"), nil
		}
	}

	var (
		res       Result
		prev      *Booking
		updated   *Booking
		ev        *Event
		target    uuid.UUID
		candidate Interval
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		res, updated, ev = Result{}, nil, nil
		b, err := s.repo.GetForUpdate(ctx, req.BookingID)
		if errors.Is(err, ErrNotFound) {
			res = notFoundResult("booking")
			return nil
		}
		if err != nil {
			return err
		}
		if outcome, msg := CheckReschedule(b); outcome != OutcomeOK {
			res = Result{Outcome: outcome, Message: msg}
			return nil
		}

		candidate, err = resolveInterval(req.Start, req.End, req.Duration, b.Interval.Duration())
		if err != nil {
			return err
		}
		target = b.ResourceID
		if req.ResourceID != nil {
			target = *req.ResourceID
		}
		if err := s.repo.LockResources(ctx, b.ResourceID, target); err != nil {
			return err
		}
		found, err := s.detector.FindConflicts(ctx, target, candidate, &b.ID)
		if err != nil {
			return err
		}
		if len(found) > 0 {
			res = conflictResult(found)
			return nil
		}

		now := s.now().UTC()
		prev = b.Clone()
		b.ResourceID = target
		b.Interval = candidate
		b.State = StateScheduled
		b.UpdatedBy = req.Actor
		b.UpdatedAt = now
		b.VersionID++
		if err := s.repo.Update(ctx, b); err != nil {
			return err
		}
		from := prev.State
		ev = &Event{
			ID:         uuid.New(),
			BookingID:  b.ID,
			ResourceID: b.ResourceID,
			Action:     ActionRescheduled,
			FromState:  &from,
			ToState:    b.State,
			Interval:   b.Interval,
			PrevStart:  &prev.Interval.Start,
			PrevEnd:    &prev.Interval.End,
			Actor:      req.Actor,
			RecordedAt: now,
		}
		if err := s.repo.RecordEvent(ctx, ev); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if errors.Is(err, ErrOverlap) {
		return s.conflictAfterConstraint(ctx, target, candidate, &req.BookingID)
	}
	if err != nil {
		if IsValidation(err) {
			return Result{}, err
		}
		s.logger.Error().Err(err).Str("booking_id", req.BookingID.String()).Str("actor", req.Actor).Msg("reschedule booking failed")
		return Result{}, fmt.Errorf("reschedule booking: %w", err)
	}
	if updated == nil {
		if res.Outcome == OutcomeConflict {
			s.logConflict(target, candidate, res.Conflicts)
		}
		return res, nil
	}

	if prev.ResourceID != updated.ResourceID {
		s.agenda.invalidate(ctx, prev.ResourceID)
	}
	s.afterCommit(ctx, ev)
	return okResult(updated), nil
}

// ChangeState applies a lifecycle transition.
func (s *Service) ChangeState(ctx context.Context, req ChangeStateRequest) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "booking.change_state", trace.WithAttributes(
		attribute.String("booking.id", req.BookingID.String()),
		attribute.String("booking.target_state", string(req.Target)),
	))
	res, err := s.changeState(ctx, req)
	s.observe(span, "change_state", res, err)
	return res, err
}

func (s *Service) changeState(ctx context.Context, req ChangeStateRequest) (Result, error) {
	if req.BookingID == uuid.Nil {
		return Result{}, &ValidationError{Field: "id", Message: "booking id is required"}
	}
	if req.Actor == "" {
		return Result{}, &ValidationError{Field: "actor", Message: "actor is required"}
	}
	if _, err := ParseState(string(req.Target)); err != nil {
		return Result{}, err
	}

	var (
		res     Result
		updated *Booking
		ev      *Event
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		res, updated, ev = Result{}, nil, nil
		b, err := s.repo.GetForUpdate(ctx, req.BookingID)
		if errors.Is(err, ErrNotFound) {
			res = notFoundResult("booking")
			return nil
		}
		if err != nil {
			return err
		}
		now := s.now()
		if outcome, msg := CheckTransition(b, req.Target, now); outcome != OutcomeOK {
			res = Result{Outcome: outcome, Message: msg}
			return nil
		}
		// Checked after the terminal check so a repeated cancel stays
		// NotModifiable with or without a reason.
		if req.Target == StateCancelled && req.Reason == "" {
			return &ValidationError{Field: "reason", Message: "a cancellation reason is required"}
		}

		from := b.State
		b.State = req.Target
		if req.Target == StateCancelled {
			b.CancellationReason = strPtr(req.Reason)
		}
		b.UpdatedBy = req.Actor
		b.UpdatedAt = now.UTC()
		b.VersionID++
		if err := s.repo.Update(ctx, b); err != nil {
			return err
		}
		ev = &Event{
			ID:         uuid.New(),
			BookingID:  b.ID,
			ResourceID: b.ResourceID,
			Action:     actionFor(req.Target),
			FromState:  &from,
			ToState:    b.State,
			Interval:   b.Interval,
			Reason:     strPtr(req.Reason),
			Actor:      req.Actor,
			RecordedAt: now.UTC(),
		}
		if err := s.repo.RecordEvent(ctx, ev); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		if IsValidation(err) {
			return Result{}, err
		}
		s.logger.Error().Err(err).Str("booking_id", req.BookingID.String()).Str("actor", req.Actor).Msg("change booking state failed")
		return Result{}, fmt.Errorf("change booking state: %w", err)
	}
	if updated == nil {
		return res, nil
	}

	s.afterCommit(ctx, ev)
	return okResult(updated), nil
}

// UpdateDetails edits kind, reason, room and note of a booking that is not yet
// terminal. The interval and state are left alone, so no conflict check runs.
func (s *Service) UpdateDetails(ctx context.Context, req UpdateRequest) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "booking.update", trace.WithAttributes(
		attribute.String("booking.id", req.BookingID.String()),
	))
	res, err := s.updateDetails(ctx, req)
	s.observe(span, "update", res, err)
	return res, err
}

func (s *Service) updateDetails(ctx context.Context, req UpdateRequest) (Result, error) {
	if req.BookingID == uuid.Nil {
		return Result{}, &ValidationError{Field: "id", Message: "booking id is required"}
	}
	if req.Actor == "" {
		return Result{}, &ValidationError{Field: "actor", Message: "actor is required"}
	}
	if req.Kind == nil && req.Reason == nil && req.Room == nil && req.Note == nil {
		return Result{}, &ValidationError{Message: "at least one of kind, reason, room or note is required"}
	}
	if req.Kind != nil && strings.TrimSpace(*req.Kind) == "" {
		return Result{}, &ValidationError{Field: "kind", Message: "kind must not be empty"}
	}

	var (
		res     Result
		updated *Booking
		ev      *Event
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		res, updated, ev = Result{}, nil, nil
		b, err := s.repo.GetForUpdate(ctx, req.BookingID)
		if errors.Is(err, ErrNotFound) {
			res = notFoundResult("booking")
			return nil
		}
		if err != nil {
			return err
		}
		if outcome, msg := CheckEdit(b); outcome != OutcomeOK {
			res = Result{Outcome: outcome, Message: msg}
			return nil
		}

		now := s.now().UTC()
		if req.Kind != nil {
			b.Kind = strings.TrimSpace(*req.Kind)
		}
		if req.Reason != nil {
			b.Reason = strPtr(*req.Reason)
		}
		if req.Room != nil {
			b.Room = strPtr(*req.Room)
		}
		if req.Note != nil {
			b.Note = strPtr(*req.Note)
		}
		b.UpdatedBy = req.Actor
		b.UpdatedAt = now
		b.VersionID++
		if err := s.repo.Update(ctx, b); err != nil {
			return err
		}
		ev = &Event{
			ID:         uuid.New(),
			BookingID:  b.ID,
			ResourceID: b.ResourceID,
			Action:     ActionUpdated,
			ToState:    b.State,
			Interval:   b.Interval,
			Actor:      req.Actor,
			RecordedAt: now,
		}
		if err := s.repo.RecordEvent(ctx, ev); err != nil {
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("booking_id", req.BookingID.String()).Str("actor", req.Actor).Msg("update booking failed")
		return Result{}, fmt.Errorf("update booking: %w", err)
	}
	if updated == nil {
		return res, nil
	}

	s.afterCommit(ctx, ev)
	return okResult(updated), nil
}

// Cancel cancels a booking. Cancelling a booking that is already terminal
// returns OutcomeNotModifiable and records nothing.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason, actor string) (Result, error) {
	return s.ChangeState(ctx, ChangeStateRequest{BookingID: id, Target: StateCancelled, Reason: reason, Actor: actor})
}

// Get loads a single booking.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Result, error) {
	b, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return notFoundResult("booking"), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("get booking: %w", err)
	}
	return okResult(b), nil
}

// Search lists bookings matching params, ordered by start.
func (s *Service) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Booking, int, error) {
	if params.Within != nil && !params.Within.Valid() {
		return nil, 0, &ValidationError{Field: "date", Message: "invalid search window"}
	}
	return s.repo.Search(ctx, params, limit, offset)
}

// Agenda returns the bookings of resourceID on the calendar day of date.
func (s *Service) Agenda(ctx context.Context, resourceID uuid.UUID, date time.Time) ([]*Booking, error) {
	return s.agenda.AgendaFor(ctx, resourceID, date)
}

// FindConflicts exposes the detector outside a mutation, e.g. to pre-check a
// slot before submitting.
func (s *Service) FindConflicts(ctx context.Context, resourceID uuid.UUID, iv Interval, exclude *uuid.UUID) ([]*Booking, error) {
	if !iv.Valid() {
		return nil, &ValidationError{Field: "end", Message: "end must be after start"}
	}
	return s.detector.FindConflicts(ctx, resourceID, iv, exclude)
}

// conflictAfterConstraint turns an exclusion-constraint rejection into the
// same Conflict result the application-level check produces.
func (s *Service) conflictAfterConstraint(ctx context.Context, resourceID uuid.UUID, iv Interval, exclude *uuid.UUID) (Result, error) {
	found, err := s.detector.FindConflicts(ctx, resourceID, iv, exclude)
	if err != nil {
		return Result{}, err
	}
	s.logConflict(resourceID, iv, found)
	return conflictResult(found), nil
}

// observe closes the span of a mutation and counts its outcome.
func (s *Service) observe(span trace.Span, op string, res Result, err error) {
	defer span.End()
	outcome := string(res.Outcome)
	switch {
	case IsValidation(err):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("booking.outcome", outcome))
	if res.Booking != nil {
		span.SetAttributes(attribute.String("booking.id", res.Booking.ID.String()))
	}
	if len(res.Conflicts) > 0 {
		span.SetAttributes(attribute.Int("booking.conflicts", len(res.Conflicts)))
	}
	if s.recorder != nil {
		s.recorder.BookingOutcome(op, outcome)
	}
}

func (s *Service) afterCommit(ctx context.Context, ev *Event) {
	s.agenda.invalidate(ctx, ev.ResourceID)
	s.logger.Info().
		Str("booking_id", ev.BookingID.String()).
		Str("resource_id", ev.ResourceID.String()).
		Str("action", string(ev.Action)).
		Str("state", string(ev.ToState)).
		Str("interval", ev.Interval.String()).
		Str("actor", ev.Actor).
		Msg("booking " + string(ev.Action))
	if s.pub == nil {
		return
	}
	if err := s.pub.PublishJSON(ctx, "booking."+string(ev.Action), ev); err != nil {
		s.logger.Warn().Err(err).Str("booking_id", ev.BookingID.String()).Msg("publish booking event failed")
	}
}

func (s *Service) logConflict(resourceID uuid.UUID, iv Interval, conflicts []*Booking) {
	evt := s.logger.Warn().
		Str("resource_id", resourceID.String()).
		Str("interval", iv.String()).
		Int("conflicts", len(conflicts))
	if len(conflicts) > 0 {
		evt = evt.Str("first_conflict", conflicts[0].ID.String())
	}
	evt.Msg("booking conflict")
}

// resolveInterval builds the interval of a request. End takes precedence;
// otherwise d, or fallback when d is zero.
func resolveInterval(start, end time.Time, d, fallback time.Duration) (Interval, error) {
	if start.IsZero() {
		return Interval{}, &ValidationError{Field: "start", Message: "start is required"}
	}
	if d < 0 {
		return Interval{}, &ValidationError{Field: "minutes_duration", Message: "duration must be positive"}
	}
	if d > MaxDuration {
		return Interval{}, &ValidationError{Field: "minutes_duration", Message: fmt.Sprintf("duration must not exceed %s", MaxDuration)}
	}
	if !end.IsZero() {
		iv, err := NewInterval(start, end)
		if err != nil {
			return Interval{}, err
		}
		if d > 0 && iv.Duration() != d {
			return Interval{}, &ValidationError{Field: "minutes_duration", Message: "duration does not match start and end"}
		}
		return iv, nil
	}
	if d == 0 {
		d = fallback
	}
	return IntervalFromDuration(start, d)
}
