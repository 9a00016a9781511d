// Package hashing stores one-time identity challenges as peppered argon2id
// hashes. The encoded form carries its own cost parameters and pepper
// version, so tuning the costs or rotating the pepper never strands a
// pending challenge.
package hashing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/sha3"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

const PurposeChallenge = "identity-challenge"

// Peppers older than the current one that still verify.
const retainedPeppers = 2

var (
	ErrInvalidHash     = errors.New("invalid hash format")
	ErrPepperNotFound  = errors.New("pepper version not found")
	ErrUnsupportedHash = errors.New("unsupported hash algorithm")
)

type params struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

type pepper struct {
	version int
	key     []byte
}

type Hasher struct {
	cost     params
	interval time.Duration

	mu      sync.RWMutex
	current pepper
	retired []pepper

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHasher uses HASHING_PEPPER as pepper version 1 when configured.
// Otherwise it generates a random pepper and hashes only verify within this
// process.
func NewHasher(cfg *config.Config) *Hasher {
	h := &Hasher{
		cost: params{
			memory:  uint32(cfg.Hashing.Argon2MemoryCost),
			time:    uint32(cfg.Hashing.Argon2TimeCost),
			threads: uint8(cfg.Hashing.Argon2Parallelism),
			keyLen:  32,
		},
		interval: time.Duration(cfg.Hashing.PepperRotationDays) * 24 * time.Hour,
		stop:     make(chan struct{}),
	}
	if cfg.Hashing.Pepper != "" {
		h.current = pepper{version: 1, key: []byte(cfg.Hashing.Pepper)}
	} else {
		util.Warn("HASHING_PEPPER not set, generating an ephemeral pepper")
		h.rotatePepper()
	}
	return h
}

func (h *Hasher) rotatePepper() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.key != nil {
		h.retired = append(h.retired, h.current)
		if len(h.retired) > retainedPeppers {
			h.retired = h.retired[len(h.retired)-retainedPeppers:]
		}
	}
	h.current = pepper{version: h.current.version + 1, key: key}
	util.Info("Pepper rotated", zap.Int("version", h.current.version))
}

// StartPepperRotation rotates the pepper every PepperRotationDays.
func (h *Hasher) StartPepperRotation() {
	if h.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				h.rotatePepper()
			}
		}
	}()
}

func (h *Hasher) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Hash returns "$argon2id$v=19$m=..,t=..,p=..$k=<pepper>$<salt>$<hash>".
func (h *Hasher) Hash(secret, purpose string) (string, error) {
	h.mu.RLock()
	p := h.current
	h.mu.RUnlock()

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := derive(secret, purpose, p.key, salt, h.cost)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$k=%d$%s$%s",
		argon2.Version, h.cost.memory, h.cost.time, h.cost.threads, p.version,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// Verify reports whether secret hashed for purpose matches encoded.
func (h *Hasher) Verify(secret, encoded, purpose string) (bool, error) {
	cost, version, salt, want, err := decode(encoded)
	if err != nil {
		return false, err
	}
	key, err := h.pepper(version)
	if err != nil {
		return false, err
	}
	got := derive(secret, purpose, key, salt, cost)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

func (h *Hasher) pepper(version int) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current.version == version {
		return h.current.key, nil
	}
	for _, p := range h.retired {
		if p.version == version {
			return p.key, nil
		}
	}
	return nil, ErrPepperNotFound
}

// derive keys the secret and purpose with the pepper before stretching, so
// the purpose boundary cannot be shifted into the secret.
func derive(secret, purpose string, pepperKey, salt []byte, cost params) []byte {
	mac := hmac.New(sha3.New256, pepperKey)
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(secret))
	return argon2.IDKey(mac.Sum(nil), salt, cost.time, cost.memory, cost.threads, cost.keyLen)
}

func decode(encoded string) (params, int, []byte, []byte, error) {
	var cost params
	parts := strings.Split(encoded, "$")
	if len(parts) != 7 || parts[0] != "" {
		return cost, 0, nil, nil, ErrInvalidHash
	}
	if parts[1] != "argon2id" {
		return cost, 0, nil, nil, ErrUnsupportedHash
	}

	var argonVersion, pepperVersion int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &argonVersion); err != nil || argonVersion != argon2.Version {
		return cost, 0, nil, nil, ErrUnsupportedHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &cost.memory, &cost.time, &cost.threads); err != nil {
		return cost, 0, nil, nil, ErrInvalidHash
	}
	if _, err := fmt.Sscanf(parts[4], "k=%d", &pepperVersion); err != nil {
		return cost, 0, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return cost, 0, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[6])
	if err != nil || len(key) == 0 {
		return cost, 0, nil, nil, ErrInvalidHash
	}
	cost.keyLen = uint32(len(key))
	return cost, pepperVersion, salt, key, nil
}
