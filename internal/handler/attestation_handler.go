package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// AttestationHandler serves attesters. The caller is the attester.
type AttestationHandler struct {
	base
	attestations *service.AttestationService
	identities   *service.IdentityService
}

func NewAttestationHandler(attestations *service.AttestationService, identities *service.IdentityService, logger *zap.Logger) *AttestationHandler {
	return &AttestationHandler{
		base:         base{logger: logger},
		attestations: attestations,
		identities:   identities,
	}
}

type issueAttestationRequest struct {
	IdentityID string        `json:"identityId"`
	Type       string        `json:"type"`
	Fields     models.Claims `json:"fields"`
	Metadata   models.Claims `json:"metadata,omitempty"`
	Confidence int           `json:"confidence"`
	ExpiresAt  *time.Time    `json:"expiresAt,omitempty"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// RegisterRoutes registers all attestation routes
func (h *AttestationHandler) RegisterRoutes(router chi.Router) {
	router.Route("/attestations", func(r chi.Router) {
		r.Post("/", h.IssueAttestation)
		r.Get("/{attestationID}", h.GetAttestation)
		r.Post("/{attestationID}/revoke", h.RevokeAttestation)
	})
}

func (h *AttestationHandler) IssueAttestation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req issueAttestationRequest
	if !h.decode(w, r, &req) {
		return
	}

	attestation, err := h.attestations.Issue(r.Context(), service.IssueRequest{
		IdentityID: req.IdentityID,
		AttesterID: callerFrom(r).ID,
		Type:       req.Type,
		Fields:     req.Fields,
		Metadata:   req.Metadata,
		Confidence: req.Confidence,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		h.fail(w, err, "Failed to issue attestation")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(attestation, "Attestation issued successfully"))
	h.logger.Info("Attestation issued via HTTP",
		util.String("attestation_id", attestation.ID),
		util.Duration("duration", time.Since(start)))
}

// GetAttestation is visible to the issuing attester, the identity owner and
// admins.
func (h *AttestationHandler) GetAttestation(w http.ResponseWriter, r *http.Request) {
	view, err := h.attestations.Get(r.Context(), chi.URLParam(r, "attestationID"))
	if err != nil {
		h.fail(w, err, "Failed to get attestation")
		return
	}

	c := callerFrom(r)
	if !c.Admin && view.AttesterID != c.ID {
		identity, err := h.identities.Get(r.Context(), view.IdentityID)
		if err != nil {
			h.fail(w, err, "Failed to get attestation")
			return
		}
		if identity.OwnerID != c.ID {
			h.fail(w, fmt.Errorf("%w: attestation %s", service.ErrForbidden, view.ID), "Failed to get attestation")
			return
		}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(view, "Attestation retrieved successfully"))
}

func (h *AttestationHandler) RevokeAttestation(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	attestation, err := h.attestations.Revoke(r.Context(), chi.URLParam(r, "attestationID"), callerFrom(r).ID, req.Reason)
	if err != nil {
		h.fail(w, err, "Failed to revoke attestation")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(attestation, "Attestation revoked"))
}
