package booking

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/booking/internal/platform/auth"
	"github.com/ehr/booking/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse, registrar
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	readGroup.GET("/bookings", h.SearchBookings)
	readGroup.GET("/bookings/:id", h.GetBooking)
	readGroup.GET("/resources/:id/agenda", h.GetAgenda)

	// Write endpoints – admin, physician, registrar
	writeGroup := api.Group("", auth.RequireRole("admin", "physician", "registrar"))
	writeGroup.POST("/bookings", h.CreateBooking)
	writeGroup.PATCH("/bookings/:id", h.UpdateBooking)
	writeGroup.PUT("/bookings/:id/interval", h.RescheduleBooking)
	writeGroup.PUT("/bookings/:id/state", h.ChangeBookingState)
	writeGroup.DELETE("/bookings/:id", h.CancelBooking)
}

type createBookingRequest struct {
	ResourceID      uuid.UUID  `json:"resource_id"`
	SubjectID       uuid.UUID  `json:"subject_id"`
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end"`
	MinutesDuration *int       `json:"minutes_duration"`
	Kind            string     `json:"kind"`
	Reason          string     `json:"reason"`
	Room            string     `json:"room"`
	Note            string     `json:"note"`
}

type rescheduleRequest struct {
	Start           time.Time  `json:"start"`
	End             *time.Time `json:"end"`
	MinutesDuration *int       `json:"minutes_duration"`
	ResourceID      *uuid.UUID `json:"resource_id"`
}

type updateBookingRequest struct {
	Kind   *string `json:"kind"`
	Reason *string `json:"reason"`
	Room   *string `json:"room"`
	Note   *string `json:"note"`
}

type stateRequest struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// outcomeResponse is the body of every non-Ok result.
type outcomeResponse struct {
	Outcome   Outcome    `json:"outcome"`
	Message   string     `json:"message,omitempty"`
	Conflicts []*Booking `json:"conflicts,omitempty"`
}

func (h *Handler) CreateBooking(c echo.Context) error {
	var req createBookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := minutes(req.MinutesDuration)
	if err != nil {
		return errorResponse(err)
	}
	res, err := h.svc.Create(c.Request().Context(), CreateRequest{
		ResourceID: req.ResourceID,
		SubjectID:  req.SubjectID,
		Start:      req.Start,
		End:        derefTime(req.End),
		Duration:   d,
		Kind:       req.Kind,
		Reason:     req.Reason,
		Room:       req.Room,
		Note:       req.Note,
		Actor:      auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return errorResponse(err)
	}
	return respond(c, http.StatusCreated, res)
}

func (h *Handler) RescheduleBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req rescheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := minutes(req.MinutesDuration)
	if err != nil {
		return errorResponse(err)
	}
	res, err := h.svc.Reschedule(c.Request().Context(), RescheduleRequest{
		BookingID:  id,
		Start:      req.Start,
		End:        derefTime(req.End),
		Duration:   d,
		ResourceID: req.ResourceID,
		Actor:      auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return errorResponse(err)
	}
	return respond(c, http.StatusOK, res)
}

func (h *Handler) UpdateBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req updateBookingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.UpdateDetails(c.Request().Context(), UpdateRequest{
		BookingID: id,
		Kind:      req.Kind,
		Reason:    req.Reason,
		Room:      req.Room,
		Note:      req.Note,
		Actor:     auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return errorResponse(err)
	}
	return respond(c, http.StatusOK, res)
}

func (h *Handler) ChangeBookingState(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req stateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.ChangeState(c.Request().Context(), ChangeStateRequest{
		BookingID: id,
		Target:    State(req.State),
		Reason:    req.Reason,
		Actor:     auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return errorResponse(err)
	}
	return respond(c, http.StatusOK, res)
}

func (h *Handler) CancelBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	reason := c.QueryParam("reason")
	if reason == "" && c.Request().ContentLength > 0 {
		var req stateRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		reason = req.Reason
	}
	res, err := h.svc.Cancel(c.Request().Context(), id, reason, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return errorResponse(err)
	}
	return respond(c, http.StatusOK, res)
}

func (h *Handler) GetBooking(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return respond(c, http.StatusOK, res)
}

func (h *Handler) SearchBookings(c echo.Context) error {
	pg := pagination.FromContext(c)
	var params SearchParams
	if v := c.QueryParam("resource_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid resource_id")
		}
		params.ResourceID = &id
	}
	if v := c.QueryParam("subject_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid subject_id")
		}
		params.SubjectID = &id
	}
	if v := c.QueryParam("state"); v != "" {
		st, err := ParseState(v)
		if err != nil {
			return errorResponse(err)
		}
		params.State = &st
	}
	if v := c.QueryParam("date"); v != "" {
		date, err := parseDate(v, c.QueryParam("tz"))
		if err != nil {
			return errorResponse(err)
		}
		day := Day(date)
		params.Within = &day
	}
	items, total, err := h.svc.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	if items == nil {
		items = []*Booking{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) GetAgenda(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	date, err := parseDate(c.QueryParam("date"), c.QueryParam("tz"))
	if err != nil {
		return errorResponse(err)
	}
	items, err := h.svc.Agenda(c.Request().Context(), id, date)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resource_id": id,
		"date":        date.Format("2006-01-02"),
		"bookings":    items,
	})
}

func respond(c echo.Context, okStatus int, res Result) error {
	switch res.Outcome {
	case OutcomeOK:
		return c.JSON(okStatus, res.Booking)
	case OutcomeConflict:
		return c.JSON(http.StatusConflict, outcomeResponse{Outcome: res.Outcome, Message: res.Message, Conflicts: res.Conflicts})
	case OutcomeNotFound:
		return c.JSON(http.StatusNotFound, outcomeResponse{Outcome: res.Outcome, Message: res.Message})
	case OutcomeInvalidTransition, OutcomeNotModifiable:
		return c.JSON(http.StatusUnprocessableEntity, outcomeResponse{Outcome: res.Outcome, Message: res.Message})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "unknown outcome")
}

func errorResponse(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "booking store unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// parseDate reads a YYYY-MM-DD date at a fixed UTC offset. A "+" in the query
// string arrives as a space.
func parseDate(date, tz string) (time.Time, error) {
	if date == "" {
		return time.Time{}, &ValidationError{Field: "date", Message: "date is required"}
	}
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "Z") || strings.EqualFold(tz, "UTC") {
		tz = "+00:00"
	} else if tz[0] != '+' && tz[0] != '-' {
		tz = "+" + tz
	}
	t, err := time.Parse("2006-01-02 -07:00", date+" "+tz)
	if err != nil {
		return time.Time{}, &ValidationError{Field: "date", Message: "date must be YYYY-MM-DD with an optional tz offset like +02:00"}
	}
	return t, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// minutes converts minutes_duration. Absent means "use the default"; a present
// value must be within (0, MaxDuration] even when end is also sent.
func minutes(m *int) (time.Duration, error) {
	if m == nil {
		return 0, nil
	}
	if *m <= 0 {
		return 0, &ValidationError{Field: "minutes_duration", Message: "duration must be positive"}
	}
	if *m > int(MaxDuration/time.Minute) {
		return 0, &ValidationError{Field: "minutes_duration", Message: fmt.Sprintf("duration must not exceed %d minutes", int(MaxDuration/time.Minute))}
	}
	return time.Duration(*m) * time.Minute, nil
}
