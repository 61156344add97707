// Package runapi exposes the triage run HTTP API: triggering runs, reading
// run records, and listing configured products.
package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/sift/internal/triage"
)

// RunService defines the business operations runapi needs.
type RunService interface {
	Submit(ctx context.Context, product string, backtest, dryRun bool) (*triage.Run, error)
	Get(id string) (*triage.Run, bool)
	Products() []string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    RunService
}

// New creates a new API handler.
func New(logger log.Logger, svc RunService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("run service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/products/{product}/runs", a.handleSubmitRun)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Get("/products", a.handleListProducts)
	})
}

type submitRequest struct {
	Backtest bool `json:"backtest"`
	DryRun   bool `json:"dry_run"`
}

func (a *API) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	product := chi.URLParam(r, "product")

	var req submitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
			return
		}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("sift.product", product),
		attribute.Bool("sift.run.backtest", req.Backtest),
		attribute.Bool("sift.run.dry_run", req.DryRun),
	)

	run, err := a.svc.Submit(r.Context(), product, req.Backtest, req.DryRun)
	switch {
	case errors.Is(err, triage.ErrUnknownProduct):
		http.Error(w, `{"error":"unknown product"}`, http.StatusNotFound)
		return
	case errors.Is(err, triage.ErrRunInProgress):
		http.Error(w, `{"error":"run already in progress"}`, http.StatusConflict)
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to submit run", "product", product)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.String("sift.run.id", run.ID))
	a.logger.Info(r.Context(), "run accepted",
		"run_id", run.ID,
		"product", product,
		"backtest", req.Backtest,
		"dry_run", req.DryRun,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(run)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("sift.run.id", id))

	run, ok := a.svc.Get(id)
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("sift.run.status", string(run.Status)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"products": a.svc.Products(),
	})
}
