// Package httpapi is the executor's HTTP entry point: one endpoint that
// dispatches a scout's run synchronously and reports its outcome, plus the
// ambient /healthz and /metrics surfaces.
package httpapi

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scoutforge/scoutd/internal/executor"
	"github.com/scoutforge/scoutd/internal/scout"
)

// Executor is the subset of internal/executor.Executor the HTTP entry needs.
type Executor interface {
	Run(ctx context.Context, scoutID string) (executor.RunOutcome, error)
}

// Store is the subset of internal/store.Store the HTTP entry needs.
type Store interface {
	GetScout(ctx context.Context, scoutID string) (scout.Scout, error)
}

type handler struct {
	exec   Executor
	store  Store
	logger *log.Logger
}

// New builds the executor HTTP entry, registering /healthz, /metrics
// (served from registry), and the dispatch route.
func New(exec Executor, st Store, registry *prometheus.Registry) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s: %v", code, req.Method, req.URL.Path, err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	h := &handler{exec: exec, store: st, logger: logger}
	e.GET("/executions", h.dispatch)
	e.POST("/executions", h.dispatch)

	return e
}

type dispatchRequest struct {
	ScoutID string `json:"scoutId"`
}

// dispatch runs one scout's execution synchronously and reports its
// outcome: 200 on a completed or failed run that was actually dispatched,
// 409 if one was already running, 500 if the run could not even start.
func (h *handler) dispatch(c echo.Context) error {
	scoutID := c.QueryParam("scoutId")
	if scoutID == "" {
		var body dispatchRequest
		if err := c.Bind(&body); err == nil {
			scoutID = body.ScoutID
		}
	}
	if scoutID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "scoutId is required"})
	}

	ctx := c.Request().Context()
	outcome, err := h.exec.Run(ctx, scoutID)
	if err != nil {
		h.logger.Printf("dispatch scout %s: %v", scoutID, err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
	}
	if outcome.AlreadyRunning {
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"success": false, "error": "already in progress", "runningExecutionId": outcome.RunningExecutionID,
		})
	}

	title := ""
	if sc, err := h.store.GetScout(ctx, scoutID); err == nil {
		title = sc.Title
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "scoutId": scoutID, "title": title})
}
