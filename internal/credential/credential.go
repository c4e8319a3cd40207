// Package credential resolves a user's search/scrape provider key and
// reacts to 401/402 failures encountered during a run: mark invalid on
// 401, and on 402 additionally disable every scout the user owns. Key
// material is kept encrypted at rest with nacl/secretbox; it is decrypted
// only inside Resolve, for the duration of one run.
package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/scoutforge/scoutd/internal/scout"
)

// Store is the subset of internal/store.Store the resolver needs.
type Store interface {
	GetCredential(ctx context.Context, userID string) (scout.CredentialRecord, error)
	SaveCredential(ctx context.Context, rec scout.CredentialRecord) error
	MarkCredentialInvalid(ctx context.Context, userID string, reason string) error
	DisableAllUserScouts(ctx context.Context, userID string) error
}

// ErrNoKey is returned when a user has no stored key, or their key is
// already marked invalid. No shared fallback key exists; the run must
// abort with a user-actionable error.
var ErrNoKey = errors.New("credential: no active key for user")

// Resolver resolves per-user provider keys and applies the 401/402
// failure policy.
type Resolver struct {
	store     Store
	secretKey [32]byte
}

// New constructs a Resolver. secretKey must be exactly 32 bytes, the
// nacl/secretbox key size.
func New(store Store, secretKey [32]byte) *Resolver {
	return &Resolver{store: store, secretKey: secretKey}
}

// Resolve returns the plaintext key for userID, or ErrNoKey if none is
// stored or the stored key is marked invalid.
func (r *Resolver) Resolve(ctx context.Context, userID string) (string, error) {
	rec, err := r.store.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, scout.ErrNotFound) {
			return "", ErrNoKey
		}
		return "", fmt.Errorf("credential: resolve: %w", err)
	}
	if rec.Status != scout.CredentialActive {
		return "", ErrNoKey
	}
	plaintext, err := decrypt(rec.EncryptedKey, &r.secretKey)
	if err != nil {
		return "", fmt.Errorf("credential: decrypt: %w", err)
	}
	return plaintext, nil
}

// Save encrypts and upserts a new key for userID in the active state.
func (r *Resolver) Save(ctx context.Context, userID string, plaintextKey string) error {
	enc, err := encrypt(plaintextKey, &r.secretKey)
	if err != nil {
		return fmt.Errorf("credential: encrypt: %w", err)
	}
	return r.store.SaveCredential(ctx, scout.CredentialRecord{
		UserID:       userID,
		EncryptedKey: enc,
		Status:       scout.CredentialActive,
	})
}

// HandleUnauthorized marks the user's key invalid after a 401 from the
// search/scrape provider. The current step is treated as a transient
// tool error by the caller; the run is not aborted.
func (r *Resolver) HandleUnauthorized(ctx context.Context, userID string, rawErr string) error {
	return r.store.MarkCredentialInvalid(ctx, userID, rawErr)
}

// HandlePaymentRequired marks the user's key invalid and disables every
// scout they own, after a 402 from the search/scrape provider. The
// caller must abort the current run with a user-actionable message.
func (r *Resolver) HandlePaymentRequired(ctx context.Context, userID string, rawErr string) error {
	if err := r.store.MarkCredentialInvalid(ctx, userID, rawErr); err != nil {
		return fmt.Errorf("credential: mark invalid: %w", err)
	}
	if err := r.store.DisableAllUserScouts(ctx, userID); err != nil {
		return fmt.Errorf("credential: disable scouts: %w", err)
	}
	return nil
}

func encrypt(plaintext string, key *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key)
	return sealed, nil
}

func decrypt(sealed []byte, key *[32]byte) (string, error) {
	if len(sealed) < 24 {
		return "", fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	opened, ok := secretbox.Open(nil, sealed[24:], &nonce, key)
	if !ok {
		return "", fmt.Errorf("decryption failed")
	}
	return string(opened), nil
}
