// Package identity abstracts how a replication session comes to exist. The
// sync layer treats the session as an opaque token; this package decides where
// it comes from.
package identity

import (
	"context"

	"github.com/google/uuid"

	"cofrinho/internal/replication"
)

// Provider delivers sessions to the replication layer. Implementations call
// fn once a session is established and again whenever it changes.
type Provider interface {
	SessionEstablished(ctx context.Context, fn func(replication.Session)) error
}

// Anonymous establishes a device-local session immediately, with a random
// token. It is the fallback when no external identity service is configured.
type Anonymous struct {
	familyID string
}

func NewAnonymous(familyID string) *Anonymous {
	if familyID == "" {
		familyID = uuid.NewString()
	}
	return &Anonymous{familyID: familyID}
}

// FamilyID is the ledger namespace the provider's sessions belong to.
func (a *Anonymous) FamilyID() string {
	return a.familyID
}

func (a *Anonymous) SessionEstablished(_ context.Context, fn func(replication.Session)) error {
	fn(replication.Session{
		FamilyID: a.familyID,
		Token:    "anon-" + uuid.NewString(),
	})
	return nil
}
