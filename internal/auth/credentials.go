package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Credential represents a single set of S3 API credentials.
type Credential struct {
	AccessKeyID string
	SecretKey   string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// CredentialStore is a minimal in-process access-key -> secret-key table.
// It replaces a SQL-backed credential table with the small map the
// signature verifier actually needs: confirm an access key is known and
// fetch its secret.
type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewCredentialStore builds a CredentialStore seeded with a single default
// credential, as produced by config.Load() from ACCESS_KEY/SECRET_KEY.
func NewCredentialStore(accessKeyID, secretKey string) *CredentialStore {
	s := &CredentialStore{creds: make(map[string]*Credential)}
	s.Put(&Credential{
		AccessKeyID: accessKeyID,
		SecretKey:   secretKey,
		OwnerID:     accessKeyID,
		DisplayName: accessKeyID,
		Active:      true,
		CreatedAt:   time.Now(),
	})
	return s
}

// GetCredential returns the credential for the given access key ID, or an
// error if it is unknown or inactive.
func (s *CredentialStore) GetCredential(_ context.Context, accessKeyID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[accessKeyID]
	if !ok || !cred.Active {
		return nil, fmt.Errorf("credentials: unknown access key %q", accessKeyID)
	}
	return cred, nil
}

// Put inserts or replaces a credential. Exposed for tests and for
// extending the default credential with additional access keys.
func (s *CredentialStore) Put(cred *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.AccessKeyID] = cred
}
