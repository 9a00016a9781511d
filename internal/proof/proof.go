// Package proof produces reproducible disclosure proofs.
//
// A proof binds identity, requestor, the sorted disclosed field names and the
// verification time into a canonical byte string and digests it. There are no
// nonces or secrets, so anyone holding the disclosure log can recompute it.
// It is evidence of what was disclosed and when, not a zero-knowledge proof of
// the field values.
package proof

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"sort"
	"time"

	"golang.org/x/crypto/sha3"

	"identity-service/internal/models"
)

const (
	MethodSHA256  = "SHA-256"
	MethodSHA512  = "SHA-512"
	MethodSHA3256 = "SHA3-256"
)

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

const (
	disclosureDomain  = "identity-service/disclosure/v1"
	attestationDomain = "identity-service/attestation/v1"
)

var ErrUnsupportedMethod = errors.New("unsupported proof method")

var methods = map[string]func() hash.Hash{
	MethodSHA256:  sha256.New,
	MethodSHA512:  sha512.New,
	MethodSHA3256: sha3.New256,
}

func Supported(method string) bool {
	_, ok := methods[method]
	return ok
}

type Generator struct {
	method string
	newFn  func() hash.Hash
}

func NewGenerator(method string) (*Generator, error) {
	if method == "" {
		method = MethodSHA256
	}
	fn, ok := methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return &Generator{method: method, newFn: fn}, nil
}

func (g *Generator) Method() string {
	return g.method
}

// FormatTimestamp renders t the way it is fed into the digest.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}

// Generate digests the disclosure. disclosedFields is sorted and de-duplicated
// before encoding, so field order never affects the result.
func (g *Generator) Generate(identityID, requestorID string, disclosedFields []string, verifiedAt time.Time) models.Proof {
	fields := append([]string(nil), disclosedFields...)
	sort.Strings(fields)
	fields = dedupSorted(fields)

	enc := newEncoder(g.newFn())
	enc.str(disclosureDomain)
	enc.str(identityID)
	enc.str(requestorID)
	enc.uint(uint64(len(fields)))
	for _, f := range fields {
		enc.str(f)
	}
	enc.str(FormatTimestamp(verifiedAt))

	return models.Proof{Method: g.method, Hash: enc.sum()}
}

// Verify recomputes a stored proof using the method it records.
func Verify(p models.Proof, identityID, requestorID string, disclosedFields []string, verifiedAt time.Time) (bool, error) {
	g, err := NewGenerator(p.Method)
	if err != nil {
		return false, err
	}
	return g.Generate(identityID, requestorID, disclosedFields, verifiedAt).Hash == p.Hash, nil
}

// AttestationDigest is the payload hash submitted to the ledger anchor. It
// covers the issuer, subject, type, claims in issuance order and issue time.
func (g *Generator) AttestationDigest(a *models.Attestation) string {
	enc := newEncoder(g.newFn())
	enc.str(attestationDomain)
	enc.str(a.ID)
	enc.str(a.IdentityID)
	enc.str(a.AttesterID)
	enc.str(string(a.Type))
	enc.uint(uint64(len(a.Fields)))
	for _, c := range a.Fields {
		enc.str(c.Name)
		enc.str(c.Value)
	}
	enc.uint(uint64(a.Confidence))
	enc.str(FormatTimestamp(a.IssuedAt))
	if a.ExpiresAt != nil {
		enc.str(FormatTimestamp(*a.ExpiresAt))
	} else {
		enc.str("")
	}
	return enc.sum()
}

// encoder writes length-prefixed values so that no two distinct inputs share
// an encoding.
type encoder struct {
	h   hash.Hash
	buf [binary.MaxVarintLen64]byte
}

func newEncoder(h hash.Hash) *encoder {
	return &encoder{h: h}
}

func (e *encoder) uint(v uint64) {
	n := binary.PutUvarint(e.buf[:], v)
	e.h.Write(e.buf[:n])
}

func (e *encoder) str(s string) {
	e.uint(uint64(len(s)))
	e.h.Write([]byte(s))
}

func (e *encoder) sum() string {
	return hex.EncodeToString(e.h.Sum(nil))
}

func dedupSorted(in []string) []string {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
