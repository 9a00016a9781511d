package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"identity-service/internal/models"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// IdentityHandler handles HTTP requests for identity operations
type IdentityHandler struct {
	base
	identities   *service.IdentityService
	attestations *service.AttestationService
}

func NewIdentityHandler(identities *service.IdentityService, attestations *service.AttestationService, logger *zap.Logger) *IdentityHandler {
	return &IdentityHandler{
		base:         base{logger: logger},
		identities:   identities,
		attestations: attestations,
	}
}

type createIdentityRequest struct {
	LedgerAddress string            `json:"ledgerAddress"`
	PersonalInfo  map[string]string `json:"personalInfo,omitempty"`
	ContactInfo   map[string]string `json:"contactInfo,omitempty"`
}

type createIdentityResponse struct {
	Identity  *models.Identity `json:"identity"`
	Challenge string           `json:"challenge"`
}

type updateProfileRequest struct {
	PersonalInfo map[string]string `json:"personalInfo,omitempty"`
	ContactInfo  map[string]string `json:"contactInfo,omitempty"`
}

type challengeRequest struct {
	Response string `json:"response"`
}

// RegisterRoutes registers all identity routes
func (h *IdentityHandler) RegisterRoutes(router chi.Router) {
	router.Route("/identities", func(r chi.Router) {
		r.Post("/", h.CreateIdentity)
		r.Get("/me", h.GetOwnIdentity)
		r.Get("/{identityID}", h.GetIdentity)
		r.Patch("/{identityID}/profile", h.UpdateProfile)
		r.Post("/{identityID}/challenge", h.VerifyChallenge)
		r.Delete("/{identityID}", h.DeactivateIdentity)
		r.Post("/{identityID}/refresh", h.RefreshIdentity)
		r.Get("/{identityID}/attestations", h.ListAttestations)
	})
}

// CreateIdentity registers the caller's identity and returns its control
// challenge once.
func (h *IdentityHandler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req createIdentityRequest
	if !h.decode(w, r, &req) {
		return
	}
	c := callerFrom(r)

	identity, challenge, err := h.identities.Create(r.Context(), service.CreateIdentityRequest{
		OwnerID:       c.ID,
		LedgerAddress: req.LedgerAddress,
		PersonalInfo:  req.PersonalInfo,
		ContactInfo:   req.ContactInfo,
	})
	if err != nil {
		h.fail(w, err, "Failed to create identity")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(
		createIdentityResponse{Identity: identity, Challenge: challenge},
		"Identity created successfully"))
	h.logger.Info("Identity created via HTTP", util.String("identity_id", identity.ID))
}

func (h *IdentityHandler) GetOwnIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identities.GetByOwner(r.Context(), callerFrom(r).ID)
	if err != nil {
		h.fail(w, err, "Failed to get identity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Identity retrieved successfully"))
}

// GetIdentity returns the full record to its owner and admins only.
func (h *IdentityHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identities.Get(r.Context(), chi.URLParam(r, "identityID"))
	if err != nil {
		h.fail(w, err, "Failed to get identity")
		return
	}
	c := callerFrom(r)
	if !c.Admin && identity.OwnerID != c.ID {
		h.fail(w, fmt.Errorf("%w: identity belongs to another owner", service.ErrForbidden), "Failed to get identity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Identity retrieved successfully"))
}

func (h *IdentityHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !h.decode(w, r, &req) {
		return
	}
	identity, err := h.identities.UpdateProfile(r.Context(), chi.URLParam(r, "identityID"), callerFrom(r).ID, req.PersonalInfo, req.ContactInfo)
	if err != nil {
		h.fail(w, err, "Failed to update profile")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Profile updated successfully"))
}

func (h *IdentityHandler) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.identities.VerifyChallenge(r.Context(), chi.URLParam(r, "identityID"), callerFrom(r).ID, req.Response)
	if err != nil {
		h.fail(w, err, "Failed to verify challenge")
		return
	}
	if !ok {
		h.respondWithError(w, http.StatusUnprocessableEntity, fmt.Errorf("challenge response does not match"), "Challenge failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"verified": true}, "Challenge verified"))
}

func (h *IdentityHandler) DeactivateIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := h.identities.Deactivate(r.Context(), chi.URLParam(r, "identityID"), callerFrom(r).ID)
	if err != nil {
		h.fail(w, err, "Failed to deactivate identity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Identity deactivated"))
}

// RefreshIdentity recomputes and stores live fields and tier. Admin only.
func (h *IdentityHandler) RefreshIdentity(w http.ResponseWriter, r *http.Request) {
	if !callerFrom(r).Admin {
		h.fail(w, fmt.Errorf("%w: admin role required", service.ErrForbidden), "Failed to refresh identity")
		return
	}
	identity, err := h.attestations.Refresh(r.Context(), chi.URLParam(r, "identityID"))
	if err != nil {
		h.fail(w, err, "Failed to refresh identity")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(identity, "Identity refreshed"))
}

// ListAttestations includes claimed values, so it is limited like GetIdentity.
func (h *IdentityHandler) ListAttestations(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")
	identity, err := h.identities.Get(r.Context(), identityID)
	if err != nil {
		h.fail(w, err, "Failed to list attestations")
		return
	}
	c := callerFrom(r)
	if !c.Admin && identity.OwnerID != c.ID {
		h.fail(w, fmt.Errorf("%w: identity belongs to another owner", service.ErrForbidden), "Failed to list attestations")
		return
	}

	attestations, err := h.attestations.List(r.Context(), identityID)
	if err != nil {
		h.fail(w, err, "Failed to list attestations")
		return
	}
	h.respondWithJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    attestations,
		Meta:    &Meta{Total: len(attestations), Limit: len(attestations)},
	})
}
