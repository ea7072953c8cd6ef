package main

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fluxwork/yawl/allocator"
	"github.com/fluxwork/yawl/common/config"
	"github.com/fluxwork/yawl/common/enginerr"
	"github.com/fluxwork/yawl/common/logger"
	"github.com/fluxwork/yawl/engine"
	"github.com/fluxwork/yawl/runner"
)

type handler struct {
	facade *engine.Facade
	log    *logger.Logger
}

func newHandler(facade *engine.Facade, log *logger.Logger) *handler {
	return &handler{facade: facade, log: log}
}

// loadSpec accepts a YAML specification document
func (h *handler) loadSpec(c echo.Context) error {
	doc, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	sp, err := h.facade.LoadSpecification(doc)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"spec": sp.ID.String()})
}

type launchRequest struct {
	Spec     string         `json:"spec"`
	Data     map[string]any `json:"data"`
	Override string         `json:"override,omitempty"`
	Role     string         `json:"role,omitempty"`
}

func (h *handler) launchCase(c echo.Context) error {
	var req launchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}

	res, err := h.facade.Launch(c.Request().Context(), engine.LaunchRequest{
		SpecRef:  req.Spec,
		Data:     req.Data,
		Override: config.EngineKind(req.Override),
		Role:     req.Role,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"case_id": res.CaseID,
		"engine":  string(res.Engine),
		"reason":  res.Reason,
	})
}

func (h *handler) getCase(c echo.Context) error {
	view, err := h.facade.GetCase(c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *handler) applyEvent(c echo.Context) error {
	var ev runner.ExternalEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	if err := h.facade.ApplyEvent(c.Request().Context(), c.Param("id"), ev); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "applied"})
}

func (h *handler) cancelCase(c echo.Context) error {
	if err := h.facade.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *handler) listItems(c echo.Context) error {
	items, err := h.facade.ListLiveWorkItems(c.QueryParam("case"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

type workerRequest struct {
	WorkerID string `json:"worker_id"`
}

func (h *handler) checkout(c echo.Context) error {
	var req workerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	inputs, lease, err := h.facade.Checkout(c.Request().Context(), c.Param("id"), req.WorkerID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"inputs":       inputs,
		"lease_expiry": lease.Format(time.RFC3339Nano),
	})
}

func (h *handler) heartbeat(c echo.Context) error {
	var req workerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	lease, err := h.facade.Heartbeat(c.Request().Context(), c.Param("id"), req.WorkerID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"lease_expiry": lease.Format(time.RFC3339Nano)})
}

type checkinRequest struct {
	WorkerID string         `json:"worker_id"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Error    map[string]any `json:"error,omitempty"`
}

func (h *handler) checkin(c echo.Context) error {
	var req checkinRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	err := h.facade.Checkin(c.Request().Context(), c.Param("id"), req.WorkerID, req.Outputs, req.Error)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "checked-in"})
}

type registerWorkerRequest struct {
	WorkerID        string   `json:"worker_id"`
	Capabilities    []string `json:"capabilities"`
	ConcurrentLimit int      `json:"concurrent_limit"`
}

func (h *handler) registerWorker(c echo.Context) error {
	var req registerWorkerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	caps := make(map[string]bool, len(req.Capabilities))
	for _, tag := range req.Capabilities {
		caps[tag] = true
	}
	h.facade.Allocator().RegisterWorker(&allocator.Worker{
		ID:              req.WorkerID,
		Capabilities:    caps,
		ConcurrentLimit: req.ConcurrentLimit,
		Available:       true,
		AvailableSince:  time.Now(),
	})
	return c.JSON(http.StatusCreated, map[string]string{"worker_id": req.WorkerID})
}

// fail maps engine error kinds onto HTTP statuses
func (h *handler) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch enginerr.KindOf(err) {
	case enginerr.KindCaseNotFound, enginerr.KindItemNotFound:
		status = http.StatusNotFound
	case enginerr.KindPreconditionViolated, enginerr.KindOutputValidationFailed, enginerr.KindRoutingRejected:
		status = http.StatusConflict
	case enginerr.KindInvalidSpecification:
		status = http.StatusBadRequest
	case enginerr.KindServiceUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, errBody(err))
}

func errBody(err error) map[string]string {
	body := map[string]string{"error": err.Error()}
	if kind := enginerr.KindOf(err); kind != "" {
		body["kind"] = string(kind)
	}
	return body
}
