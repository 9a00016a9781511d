package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/authz"
	"identity-service/internal/service"
)

// AttesterHandler manages the attester registry. Writes are admin only.
type AttesterHandler struct {
	base
	registry authz.Registry
}

func NewAttesterHandler(registry authz.Registry, logger *zap.Logger) *AttesterHandler {
	return &AttesterHandler{base: base{logger: logger}, registry: registry}
}

type registerAttesterRequest struct {
	Types []string `json:"types"`
}

type attesterResponse struct {
	AttesterID string   `json:"attesterId"`
	Types      []string `json:"types"`
}

// RegisterRoutes registers all attester routes
func (h *AttesterHandler) RegisterRoutes(router chi.Router) {
	router.Route("/attesters", func(r chi.Router) {
		r.Get("/{attesterID}", h.GetAttester)
		r.Put("/{attesterID}", h.RegisterAttester)
		r.Delete("/{attesterID}", h.UnregisterAttester)
	})
}

func (h *AttesterHandler) GetAttester(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "attesterID")
	types, err := h.registry.Types(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to get attester")
		return
	}
	if len(types) == 0 {
		h.fail(w, fmt.Errorf("%w: attester %s", service.ErrNotFound, id), "Failed to get attester")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(attesterResponse{AttesterID: id, Types: types}, ""))
}

func (h *AttesterHandler) RegisterAttester(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r).Admin {
		h.fail(w, fmt.Errorf("%w: admin role required", service.ErrForbidden), "Failed to register attester")
		return
	}
	var req registerAttesterRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "attesterID")
	if err := h.registry.Register(r.Context(), id, req.Types); err != nil {
		h.fail(w, err, "Failed to register attester")
		return
	}
	types, err := h.registry.Types(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to register attester")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(attesterResponse{AttesterID: id, Types: types}, "Attester registered"))
}

func (h *AttesterHandler) UnregisterAttester(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r).Admin {
		h.fail(w, fmt.Errorf("%w: admin role required", service.ErrForbidden), "Failed to unregister attester")
		return
	}
	if err := h.registry.Unregister(r.Context(), chi.URLParam(r, "attesterID")); err != nil {
		h.fail(w, err, "Failed to unregister attester")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Attester unregistered"))
}
