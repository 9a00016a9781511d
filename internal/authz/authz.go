// Package authz answers the two questions the engine asks of the surrounding
// auth system: may this attester issue this attestation type, and does this
// user own this identity.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"identity-service/internal/models"
	"identity-service/internal/repository"
)

// Wildcard grants every attestation type.
const Wildcard = "*"

var ErrInvalidAttesterSpec = errors.New("invalid attester spec")

type Oracle interface {
	CanIssue(ctx context.Context, attesterID string, attestationType models.AttestationType) (bool, error)
	Owns(ctx context.Context, userID, identityID string) (bool, error)
}

// Registry stores which attestation types each attester may issue.
type Registry interface {
	Register(ctx context.Context, attesterID string, types []string) error
	Unregister(ctx context.Context, attesterID string) error
	Types(ctx context.Context, attesterID string) ([]string, error)
}

type Authorizer struct {
	registry   Registry
	identities repository.IdentityRepository
}

func NewAuthorizer(registry Registry, identities repository.IdentityRepository) *Authorizer {
	return &Authorizer{registry: registry, identities: identities}
}

func (a *Authorizer) CanIssue(ctx context.Context, attesterID string, attestationType models.AttestationType) (bool, error) {
	types, err := a.registry.Types(ctx, attesterID)
	if err != nil {
		return false, err
	}
	for _, t := range types {
		if t == Wildcard || t == string(attestationType) {
			return true, nil
		}
	}
	return false, nil
}

// Owns reports false for unknown identities rather than failing.
func (a *Authorizer) Owns(ctx context.Context, userID, identityID string) (bool, error) {
	identity, err := a.identities.Get(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return identity.OwnerID == userID, nil
}

// NormalizeTypes validates type names and collapses to the wildcard when
// present.
func NormalizeTypes(types []string) ([]string, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: no attestation types", ErrInvalidAttesterSpec)
	}
	out := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == Wildcard {
			return []string{Wildcard}, nil
		}
		if _, err := models.ParseAttestationType(t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAttesterSpec, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseAttesters reads the ATTESTERS format: "kyc=personal|address;bank=*".
func ParseAttesters(raw string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, list, ok := strings.Cut(entry, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAttesterSpec, entry)
		}
		types, err := NormalizeTypes(strings.Split(list, "|"))
		if err != nil {
			return nil, err
		}
		out[id] = types
	}
	return out, nil
}

// Seed registers every attester in an ATTESTERS value.
func Seed(ctx context.Context, registry Registry, raw string) error {
	attesters, err := ParseAttesters(raw)
	if err != nil {
		return err
	}
	for id, types := range attesters {
		if err := registry.Register(ctx, id, types); err != nil {
			return fmt.Errorf("failed to seed attester %s: %w", id, err)
		}
	}
	return nil
}
