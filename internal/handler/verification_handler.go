package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/service"
)

// VerificationHandler serves verifiers and identity owners.
type VerificationHandler struct {
	base
	verifications *service.VerificationService
}

func NewVerificationHandler(verifications *service.VerificationService, logger *zap.Logger) *VerificationHandler {
	return &VerificationHandler{
		base:          base{logger: logger},
		verifications: verifications,
	}
}

type requestVerificationRequest struct {
	IdentityID      string     `json:"identityId"`
	RequestedFields []string   `json:"requestedFields"`
	Purpose         string     `json:"purpose,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

type consentRequest struct {
	SelectedFields []string `json:"selectedFields,omitempty"`
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type proofCheck struct {
	Valid bool          `json:"valid"`
	Proof *models.Proof `json:"proof,omitempty"`
}

// RegisterRoutes registers all verification routes
func (h *VerificationHandler) RegisterRoutes(router chi.Router) {
	router.Route("/verifications", func(r chi.Router) {
		r.Post("/", h.RequestVerification)
		r.Get("/requested", h.ListRequested)
		r.Get("/received", h.ListReceived)
		r.Get("/{verificationID}", h.GetVerification)
		r.Post("/{verificationID}/consent", h.GrantConsent)
		r.Post("/{verificationID}/revoke", h.RevokeConsent)
		r.Post("/{verificationID}/reject", h.RejectVerification)
		r.Get("/{verificationID}/proof", h.CheckProof)
	})
}

func (h *VerificationHandler) RequestVerification(w http.ResponseWriter, r *http.Request) {
	var req requestVerificationRequest
	if !h.decode(w, r, &req) {
		return
	}
	v, err := h.verifications.Request(r.Context(), service.RequestVerificationRequest{
		RequestorID:     callerFrom(r).ID,
		IdentityID:      req.IdentityID,
		RequestedFields: req.RequestedFields,
		Purpose:         req.Purpose,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, err, "Failed to request verification")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(v, "Verification requested"))
}

func (h *VerificationHandler) ListRequested(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.verifications.ListRequested)
}

func (h *VerificationHandler) ListReceived(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.verifications.ListReceived)
}

type lister func(ctx context.Context, id string, filter service.ListFilter) (*service.VerificationPage, error)

func (h *VerificationHandler) list(w http.ResponseWriter, r *http.Request, fn lister) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.fail(w, err, "Invalid query")
		return
	}
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		h.fail(w, err, "Invalid query")
		return
	}
	filter := service.ListFilter{
		Status: models.VerificationStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Skip:   skip,
	}

	page, err := fn(r.Context(), callerFrom(r).ID, filter)
	if err != nil {
		h.fail(w, err, "Failed to list verifications")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    page.Verifications,
		Meta: &Meta{
			Total:   page.Total,
			Limit:   len(page.Verifications),
			Skip:    skip,
			HasMore: page.HasMore,
		},
	})
}

func (h *VerificationHandler) GetVerification(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	v, err := h.verifications.Get(r.Context(), chi.URLParam(r, "verificationID"), c.ID, c.Admin)
	if err != nil {
		h.fail(w, err, "Failed to get verification")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "Verification retrieved successfully"))
}

func (h *VerificationHandler) GrantConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	v, err := h.verifications.GrantConsent(r.Context(), chi.URLParam(r, "verificationID"), callerFrom(r).ID, req.SelectedFields)
	if err != nil {
		h.fail(w, err, "Failed to grant consent")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "Consent granted"))
}

func (h *VerificationHandler) RevokeConsent(w http.ResponseWriter, r *http.Request) {
	v, err := h.verifications.RevokeConsent(r.Context(), chi.URLParam(r, "verificationID"), callerFrom(r).ID)
	if err != nil {
		h.fail(w, err, "Failed to revoke consent")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "Consent revoked"))
}

func (h *VerificationHandler) RejectVerification(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}
	v, err := h.verifications.Reject(r.Context(), chi.URLParam(r, "verificationID"), callerFrom(r).ID, req.Reason)
	if err != nil {
		h.fail(w, err, "Failed to reject verification")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(v, "Verification rejected"))
}

// CheckProof recomputes the stored proof so a verifier can confirm it.
func (h *VerificationHandler) CheckProof(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	v, err := h.verifications.Get(r.Context(), chi.URLParam(r, "verificationID"), c.ID, c.Admin)
	if err != nil {
		h.fail(w, err, "Failed to check proof")
		return
	}
	valid, err := h.verifications.VerifyProof(v)
	if err != nil {
		h.fail(w, err, "Failed to check proof")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(proofCheck{Valid: valid, Proof: v.Proof}, ""))
}
