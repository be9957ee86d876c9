package dispensing

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medround/medround/internal/platform/auth"
	"github.com/medround/medround/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the round endpoints. Route groups only require a
// round role; per-stage capabilities are checked by the service.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("regent", "nurse", "validator", "supervisor"))

	// Sessions
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/active", h.GetActiveSession)
	g.POST("/sessions/active", h.OpenSession)
	g.GET("/sessions/:id", h.GetSession)
	g.POST("/sessions/:id/cancel", h.CancelSession)
	g.POST("/sessions/:id/complete", h.CompleteSession)
	g.GET("/sessions/:id/board", h.GetBoard)
	g.GET("/sessions/:id/errors", h.ListErrors)
	g.GET("/sessions/:id/patients/:patient_id/stages/:stage", h.GetEffectiveState)
	g.GET("/sessions/:id/patients/:patient_id/checkpoints", h.GetCheckpoints)
	g.POST("/sessions/:id/scans", h.RecordScan)

	// Stages
	g.POST("/stages", h.CreateStage)
	g.POST("/stages/auto-complete", h.AutoComplete)
	g.GET("/stages/:id", h.GetStage)
	g.POST("/stages/:id/start", h.StartStage)
	g.POST("/stages/:id/complete", h.CompleteStage)
	g.POST("/stages/:id/error", h.ReportStageError)
	g.POST("/stages/:id/resolve", h.ResolveError)
	g.POST("/errors", h.ReportProblem)

	// Returns
	g.POST("/returns", h.CreateReturn)
	g.GET("/returns/:id", h.GetReturn)
	g.POST("/returns/:id/approve", h.ApproveReturn)
	g.POST("/returns/:id/reject", h.RejectReturn)

	// Patients
	g.GET("/patients", h.ListPatients)
	g.GET("/patients/:id", h.GetPatient)
	g.GET("/patients/:id/returns", h.ListPatientReturns)
	g.POST("/patients", h.AdmitPatient)
	g.POST("/patients/:id/discharge", h.DischargePatient)
}

// -- request bodies --

type noteRequest struct {
	Note string `json:"note"`
}

type createStageRequest struct {
	SessionID *uuid.UUID `json:"session_id"`
	PatientID uuid.UUID  `json:"patient_id"`
	Stage     string     `json:"stage"`
	Notes     string     `json:"notes"`
}

type transitionRequest struct {
	ExpectedStatus string `json:"expected_status"`
	Notes          string `json:"notes"`
}

type reportErrorRequest struct {
	SessionID      *uuid.UUID `json:"session_id"`
	PatientID      *uuid.UUID `json:"patient_id"`
	ExpectedStatus string     `json:"expected_status"`
	Message        string     `json:"message"`
}

type scanRequest struct {
	PatientID   uuid.UUID `json:"patient_id"`
	Kind        string    `json:"kind"`
	Temperature *float64  `json:"temperature"`
	Destination string    `json:"destination"`
	RequestKey  string    `json:"request_key"`
}

type createReturnRequest struct {
	PatientID  uuid.UUID    `json:"patient_id"`
	SessionID  *uuid.UUID   `json:"session_id"`
	Causes     []string     `json:"causes"`
	Supplies   []SupplyLine `json:"supplies"`
	Comments   string       `json:"comments"`
	RequestKey string       `json:"request_key"`
}

type resolveReturnRequest struct {
	Comment string `json:"comment"`
}

type admitRequest struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Bed     string    `json:"bed"`
	Service string    `json:"service"`
	Line    string    `json:"line"`
}

// -- Session Handlers --

func (h *Handler) OpenSession(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.GetOrCreateActive(c.Request().Context(), actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetActiveSession(c echo.Context) error {
	sess, err := h.svc.ActiveSession(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSessions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) CancelSession(c echo.Context) error {
	return h.endSession(c, h.svc.CancelSession)
}

func (h *Handler) CompleteSession(c echo.Context) error {
	return h.endSession(c, h.svc.CompleteSession)
}

func (h *Handler) endSession(c echo.Context, end func(ctx context.Context, id uuid.UUID, actor Actor, note string) (*Session, error)) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := end(c.Request().Context(), id, actor, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) GetBoard(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	board, err := h.svc.Board(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, board)
}

func (h *Handler) ListErrors(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	entries, err := h.svc.ListErrors(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) GetEffectiveState(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	patientID, err := uuidParam(c, "patient_id")
	if err != nil {
		return err
	}
	stage, err := ParseStage(c.Param("stage"))
	if err != nil {
		return httpError(err)
	}
	view, err := h.svc.EffectiveState(c.Request().Context(), id, patientID, stage)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) GetCheckpoints(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	patientID, err := uuidParam(c, "patient_id")
	if err != nil {
		return err
	}
	status, err := h.svc.Checkpoints(c.Request().Context(), id, patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) RecordScan(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req scanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	kind, err := ParseCheckpointKind(req.Kind)
	if err != nil {
		return httpError(err)
	}
	if req.Temperature == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "temperature is required")
	}
	scan, replayed, err := h.svc.RecordScan(c.Request().Context(), RecordScan{
		SessionID:   id,
		PatientID:   req.PatientID,
		Kind:        kind,
		Temperature: *req.Temperature,
		Destination: req.Destination,
		RequestKey:  req.RequestKey,
		Actor:       actor,
	})
	if err != nil {
		return httpError(err)
	}
	if replayed {
		return c.JSON(http.StatusOK, scan)
	}
	return c.JSON(http.StatusCreated, scan)
}

// -- Stage Handlers --

func (h *Handler) CreateStage(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createStageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	stage, err := ParseStage(req.Stage)
	if err != nil {
		return httpError(err)
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	rec, err := h.svc.CreateStage(c.Request().Context(), CreateStage{
		SessionID: deref(req.SessionID),
		PatientID: req.PatientID,
		Stage:     stage,
		Notes:     req.Notes,
		Actor:     actor,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) AutoComplete(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createStageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	stage, err := ParseStage(req.Stage)
	if err != nil {
		return httpError(err)
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	rec, err := h.svc.AutoComplete(c.Request().Context(), AutoCompleteStage{
		SessionID: deref(req.SessionID),
		PatientID: req.PatientID,
		Stage:     stage,
		Actor:     actor,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetStage(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	rec, err := h.svc.GetStageRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) StartStage(c echo.Context) error {
	id, actor, req, err := h.transition(c)
	if err != nil {
		return err
	}
	expected, err := ParseStatus(req.ExpectedStatus)
	if err != nil {
		return httpError(err)
	}
	rec, err := h.svc.StartStage(c.Request().Context(), StartStage{RecordID: id, Expected: expected, Actor: actor})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) CompleteStage(c echo.Context) error {
	id, actor, req, err := h.transition(c)
	if err != nil {
		return err
	}
	expected, err := ParseStatus(req.ExpectedStatus)
	if err != nil {
		return httpError(err)
	}
	rec, err := h.svc.CompleteStage(c.Request().Context(), CompleteStage{
		RecordID: id,
		Expected: expected,
		Notes:    req.Notes,
		Actor:    actor,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) transition(c echo.Context) (uuid.UUID, Actor, transitionRequest, error) {
	var req transitionRequest
	id, err := uuidParam(c, "id")
	if err != nil {
		return uuid.Nil, Actor{}, req, err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return uuid.Nil, Actor{}, req, err
	}
	if err := c.Bind(&req); err != nil {
		return uuid.Nil, Actor{}, req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return id, actor, req, nil
}

func (h *Handler) ReportStageError(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req reportErrorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	expected, err := ParseStatus(req.ExpectedStatus)
	if err != nil {
		return httpError(err)
	}
	rec, entry, err := h.svc.ReportError(c.Request().Context(), ReportError{
		RecordID: &id,
		Expected: expected,
		Message:  req.Message,
		Actor:    actor,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"record": rec, "entry": entry})
}

// ReportProblem logs a problem that is not tied to a stage record.
func (h *Handler) ReportProblem(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req reportErrorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	_, entry, err := h.svc.ReportError(c.Request().Context(), ReportError{
		SessionID: deref(req.SessionID),
		PatientID: req.PatientID,
		Message:   req.Message,
		Actor:     actor,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) ResolveError(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req noteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.ResolveError(c.Request().Context(), ResolveError{RecordID: id, Note: req.Note, Actor: actor})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// -- Return Handlers --

func (h *Handler) CreateReturn(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req createReturnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	rr, replayed, err := h.svc.CreateReturn(c.Request().Context(), CreateReturn{
		PatientID:  req.PatientID,
		SessionID:  req.SessionID,
		Causes:     req.Causes,
		Supplies:   req.Supplies,
		Comments:   req.Comments,
		RequestKey: req.RequestKey,
		Actor:      actor,
	})
	if err != nil {
		return httpError(err)
	}
	if replayed {
		return c.JSON(http.StatusOK, rr)
	}
	return c.JSON(http.StatusCreated, rr)
}

func (h *Handler) GetReturn(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	rr, err := h.svc.GetReturn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rr)
}

func (h *Handler) ApproveReturn(c echo.Context) error {
	id, actor, req, err := h.resolution(c)
	if err != nil {
		return err
	}
	rr, err := h.svc.ApproveReturn(c.Request().Context(), ApproveReturn{ReturnID: id, Comment: req.Comment, Actor: actor})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rr)
}

func (h *Handler) RejectReturn(c echo.Context) error {
	id, actor, req, err := h.resolution(c)
	if err != nil {
		return err
	}
	rr, err := h.svc.RejectReturn(c.Request().Context(), RejectReturn{ReturnID: id, Comment: req.Comment, Actor: actor})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rr)
}

func (h *Handler) resolution(c echo.Context) (uuid.UUID, Actor, resolveReturnRequest, error) {
	var req resolveReturnRequest
	id, err := uuidParam(c, "id")
	if err != nil {
		return uuid.Nil, Actor{}, req, err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return uuid.Nil, Actor{}, req, err
	}
	if err := c.Bind(&req); err != nil {
		return uuid.Nil, Actor{}, req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return id, actor, req, nil
}

// -- Patient Handlers --

func (h *Handler) ListPatients(c echo.Context) error {
	patients, err := h.svc.ListPatients(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, patients)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// ListPatientReturns pages through a patient's return requests. With
// status=PENDING it lists every pending request instead.
func (h *Handler) ListPatientReturns(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	if c.QueryParam("status") == string(ReturnPending) {
		items, err := h.svc.PendingReturns(c.Request().Context(), id)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, items)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListReturns(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AdmitPatient(c echo.Context) error {
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req admitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p := &Patient{ID: req.ID, Name: req.Name, Bed: req.Bed, Service: req.Service, Line: req.Line}
	if err := h.svc.AdmitPatient(c.Request().Context(), p, actor); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) DischargePatient(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := h.svc.DischargePatient(c.Request().Context(), id, actor); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- helpers --

func actorFrom(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	id := auth.UserIDFromContext(ctx)
	if id == "" {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "missing actor")
	}
	raw := auth.RolesFromContext(ctx)
	roles := make([]Role, len(raw))
	for i, r := range raw {
		roles[i] = Role(r)
	}
	return Actor{ID: id, Roles: roles}, nil
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func deref(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

// errorBody is the JSON payload of a domain error response.
type errorBody struct {
	Error          string           `json:"error"`
	Message        string           `json:"message"`
	CurrentStatus  string           `json:"current_status,omitempty"`
	ExistingID     *uuid.UUID       `json:"existing_id,omitempty"`
	Missing        []CheckpointKind `json:"missing,omitempty"`
	PendingReturns int              `json:"pending_returns,omitempty"`
}

// statusFor maps a domain error kind to its HTTP status.
var statusFor = map[string]int{
	"already_exists":       http.StatusConflict,
	"state_changed":        http.StatusConflict,
	"session_closed":       http.StatusConflict,
	"cancellation_blocked": http.StatusUnprocessableEntity,
	"invalid_transition":   http.StatusUnprocessableEntity,
	"patient_inactive":     http.StatusUnprocessableEntity,
	"not_unlocked":         http.StatusPreconditionFailed,
	"prerequisite_not_met": http.StatusPreconditionFailed,
	"forbidden":            http.StatusForbidden,
	"stage_in_error":       http.StatusLocked,
	"not_found":            http.StatusNotFound,
	"validation":           http.StatusBadRequest,
}

func httpError(err error) error {
	kind := ErrorKind(err)
	code, ok := statusFor[kind]
	if !ok {
		if errors.Is(err, ErrReadOnlyDirectory) {
			return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
	body := errorBody{Error: kind, Message: err.Error()}

	var sc *StateChangedError
	if errors.As(err, &sc) {
		body.CurrentStatus = sc.Current
	}
	var ae *AlreadyExistsError
	if errors.As(err, &ae) && ae.ExistingID != uuid.Nil {
		id := ae.ExistingID
		body.ExistingID = &id
	}
	var nu *NotUnlockedError
	if errors.As(err, &nu) {
		body.Missing = nu.Missing
		body.PendingReturns = nu.PendingReturns
	}
	return echo.NewHTTPError(code, body)
}
