// Package encryption seals claim values and identity profiles before they
// reach the database. Each value is encrypted with AES-256-GCM under a data
// key (DEK); the DEK is stored alongside it, wrapped by KMS or, without KMS,
// by a local master key.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

const (
	PurposeClaims  = "attestation-claims"
	PurposeProfile = "identity-profile"
)

const (
	envelopeVersion = "v1"
	dekLifetime     = time.Hour
	dekMaxUses      = 100_000
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// NewKMSClient loads the default AWS credential chain for the configured region.
func NewKMSClient(ctx context.Context, cfg *config.Config) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.KMS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

type dataKey struct {
	plain   []byte
	wrapped string
	created time.Time
	uses    int
}

// EncryptionManager reuses one DEK per purpose for up to an hour or
// dekMaxUses seals, so KMS is called per key rather than per value.
type EncryptionManager struct {
	kmsClient KMSAPI
	keyID     string
	master    cipher.AEAD

	mu      sync.Mutex
	current map[string]*dataKey

	unwrapped sync.Map // purpose + wrapped DEK -> plaintext DEK
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) *EncryptionManager {
	em := &EncryptionManager{current: map[string]*dataKey{}}
	if cfg.KMS.Enabled && kmsClient != nil {
		em.kmsClient = kmsClient
		em.keyID = cfg.KMS.KeyID
		return em
	}

	master, err := base64.StdEncoding.DecodeString(cfg.KMS.LocalMasterKey)
	if err != nil || len(master) != 32 {
		util.Warn("KMS_LOCAL_MASTER_KEY missing or not 32 base64 bytes, sealed data will not survive a restart")
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			util.Fatal("Failed to generate local master key", zap.Error(err))
		}
	}
	em.master, _ = newGCM(master)
	em.keyID = "local"
	return em
}

// Seal encrypts plaintext for purpose and returns a text envelope of the
// form "v1.<key id>.<wrapped DEK>.<nonce+ciphertext>".
func (em *EncryptionManager) Seal(ctx context.Context, plaintext []byte, purpose string) (string, error) {
	key, err := em.dataKey(ctx, purpose)
	if err != nil {
		return "", err
	}
	aead, err := newGCM(key.plain)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(purpose))

	b64 := base64.RawURLEncoding
	return strings.Join([]string{
		envelopeVersion,
		b64.EncodeToString([]byte(em.keyID)),
		key.wrapped,
		b64.EncodeToString(sealed),
	}, "."), nil
}

func (em *EncryptionManager) Open(ctx context.Context, envelope, purpose string) ([]byte, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 4 || parts[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: invalid envelope", ErrDecryptionFailed)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailed)
	}

	dek, err := em.unwrap(ctx, parts[2], purpose)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(purpose))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (em *EncryptionManager) dataKey(ctx context.Context, purpose string) (*dataKey, error) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if k := em.current[purpose]; k != nil && k.uses < dekMaxUses && time.Since(k.created) < dekLifetime {
		k.uses++
		return k, nil
	}

	k, err := em.newDataKey(ctx, purpose)
	if err != nil {
		return nil, err
	}
	k.uses = 1
	em.current[purpose] = k
	em.unwrapped.Store(purpose+"|"+k.wrapped, k.plain)
	util.Debug("Data key rotated", zap.String("purpose", purpose), zap.String("key_id", em.keyID))
	return k, nil
}

func (em *EncryptionManager) newDataKey(ctx context.Context, purpose string) (*dataKey, error) {
	b64 := base64.RawURLEncoding
	if em.kmsClient != nil {
		out, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:             aws.String(em.keyID),
			KeySpec:           types.DataKeySpecAes256,
			EncryptionContext: map[string]string{"purpose": purpose},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: generate data key: %v", ErrEncryptionFailed, err)
		}
		return &dataKey{plain: out.Plaintext, wrapped: b64.EncodeToString(out.CiphertextBlob), created: time.Now()}, nil
	}

	plain := make([]byte, 32)
	if _, err := rand.Read(plain); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, em.master.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped := em.master.Seal(append([]byte(nil), nonce...), nonce, plain, []byte(purpose))
	return &dataKey{plain: plain, wrapped: b64.EncodeToString(wrapped), created: time.Now()}, nil
}

func (em *EncryptionManager) unwrap(ctx context.Context, wrapped, purpose string) ([]byte, error) {
	cacheKey := purpose + "|" + wrapped
	if dek, ok := em.unwrapped.Load(cacheKey); ok {
		return dek.([]byte), nil
	}

	blob, err := base64.RawURLEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK encoding", ErrDecryptionFailed)
	}

	var dek []byte
	if em.kmsClient != nil {
		out, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob:    blob,
			EncryptionContext: map[string]string{"purpose": purpose},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap DEK: %v", ErrDecryptionFailed, err)
		}
		dek = out.Plaintext
	} else {
		n := em.master.NonceSize()
		if len(blob) < n {
			return nil, fmt.Errorf("%w: wrapped DEK too short", ErrDecryptionFailed)
		}
		dek, err = em.master.Open(nil, blob[:n], blob[n:], []byte(purpose))
		if err != nil {
			return nil, fmt.Errorf("%w: unwrap DEK: %v", ErrDecryptionFailed, err)
		}
	}

	em.unwrapped.Store(cacheKey, dek)
	return dek, nil
}

// ClearCache drops every cached plaintext DEK, including the current ones.
func (em *EncryptionManager) ClearCache() {
	em.mu.Lock()
	em.current = map[string]*dataKey{}
	em.mu.Unlock()
	em.unwrapped.Clear()
}

func (em *EncryptionManager) CacheSize() int {
	n := 0
	em.unwrapped.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
