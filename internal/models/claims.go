package models

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// Field names are camelCase identifiers, optionally dotted for nested
// profile data ("address.city"). At most 64 characters.
var fieldNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)*$`)

const maxFieldNameLength = 64

var (
	ErrEmptyClaims        = errors.New("at least one field is required")
	ErrInvalidFieldName   = errors.New("invalid field name")
	ErrDuplicateFieldName = errors.New("duplicate field name")
)

// Claim is a single attested field and its claimed value.
type Claim struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Claims keeps claims in the order the attester supplied them.
type Claims []Claim

func ValidFieldName(name string) bool {
	return len(name) <= maxFieldNameLength && fieldNamePattern.MatchString(name)
}

func (c Claims) Validate() error {
	if len(c) == 0 {
		return ErrEmptyClaims
	}
	seen := make(map[string]struct{}, len(c))
	for _, claim := range c {
		if !ValidFieldName(claim.Name) {
			return fmt.Errorf("%w: %q", ErrInvalidFieldName, claim.Name)
		}
		if _, dup := seen[claim.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateFieldName, claim.Name)
		}
		seen[claim.Name] = struct{}{}
	}
	return nil
}

func (c Claims) Names() FieldSet {
	names := make([]string, 0, len(c))
	for _, claim := range c {
		names = append(names, claim.Name)
	}
	return NewFieldSet(names...)
}

func (c Claims) Get(name string) (string, bool) {
	for _, claim := range c {
		if claim.Name == name {
			return claim.Value, true
		}
	}
	return "", false
}

// ClaimsFromMap builds claims from a JSON object. Map iteration order is not
// stable, so names are sorted.
func ClaimsFromMap(m map[string]string) Claims {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make(Claims, 0, len(names))
	for _, name := range names {
		out = append(out, Claim{Name: name, Value: m[name]})
	}
	return out
}
