package credential

import (
	"context"
	"testing"

	"github.com/scoutforge/scoutd/internal/scout"
)

type fakeStore struct {
	records          map[string]scout.CredentialRecord
	disabledUsers    map[string]bool
	invalidReasons   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:        map[string]scout.CredentialRecord{},
		disabledUsers:  map[string]bool{},
		invalidReasons: map[string]string{},
	}
}

func (f *fakeStore) GetCredential(ctx context.Context, userID string) (scout.CredentialRecord, error) {
	rec, ok := f.records[userID]
	if !ok {
		return scout.CredentialRecord{}, scout.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) SaveCredential(ctx context.Context, rec scout.CredentialRecord) error {
	f.records[rec.UserID] = rec
	return nil
}

func (f *fakeStore) MarkCredentialInvalid(ctx context.Context, userID string, reason string) error {
	rec := f.records[userID]
	rec.Status = scout.CredentialInvalid
	rec.LastInvalidReason = reason
	f.records[userID] = rec
	f.invalidReasons[userID] = reason
	return nil
}

func (f *fakeStore) DisableAllUserScouts(ctx context.Context, userID string) error {
	f.disabledUsers[userID] = true
	return nil
}

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSaveAndResolve_RoundTrips(t *testing.T) {
	store := newFakeStore()
	r := New(store, testKey())

	if err := r.Save(context.Background(), "user-1", "sk-secret-value"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := r.Resolve(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-secret-value" {
		t.Fatalf("expected round-tripped key, got %q", got)
	}
}

func TestResolve_NoKeyReturnsErrNoKey(t *testing.T) {
	store := newFakeStore()
	r := New(store, testKey())

	if _, err := r.Resolve(context.Background(), "unknown-user"); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestResolve_InvalidStatusReturnsErrNoKey(t *testing.T) {
	store := newFakeStore()
	r := New(store, testKey())
	_ = r.Save(context.Background(), "user-1", "sk-secret")
	_ = store.MarkCredentialInvalid(context.Background(), "user-1", "bad key")

	if _, err := r.Resolve(context.Background(), "user-1"); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestHandlePaymentRequired_DisablesAllScouts(t *testing.T) {
	store := newFakeStore()
	r := New(store, testKey())
	_ = r.Save(context.Background(), "user-1", "sk-secret")

	if err := r.HandlePaymentRequired(context.Background(), "user-1", "402 credits exhausted"); err != nil {
		t.Fatalf("HandlePaymentRequired: %v", err)
	}
	if !store.disabledUsers["user-1"] {
		t.Fatal("expected scouts disabled for user-1")
	}
	if store.records["user-1"].Status != scout.CredentialInvalid {
		t.Fatal("expected credential marked invalid")
	}
}

func TestHandleUnauthorized_DoesNotDisableScouts(t *testing.T) {
	store := newFakeStore()
	r := New(store, testKey())
	_ = r.Save(context.Background(), "user-1", "sk-secret")

	if err := r.HandleUnauthorized(context.Background(), "user-1", "401 bad key"); err != nil {
		t.Fatalf("HandleUnauthorized: %v", err)
	}
	if store.disabledUsers["user-1"] {
		t.Fatal("401 must not disable scouts")
	}
	if store.records["user-1"].Status != scout.CredentialInvalid {
		t.Fatal("expected credential marked invalid")
	}
}
