// Package ledger abstracts the blockchain anchoring collaborator. Consent
// activation requires a ledger transaction reference; verification proves a
// reference is anchored.
package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"

	derrors "healthex/pkg/domain-errors"
)

// Client anchors consent records and verifies references. Calls go through
// a circuit breaker; implementations return plain errors and let the caller
// classify.
type Client interface {
	// Anchor writes the consent fingerprint to the ledger and returns the
	// 64-hex transaction reference.
	Anchor(ctx context.Context, consentID string, fingerprint []byte) (string, error)
	// Verify reports whether the reference is anchored.
	Verify(ctx context.Context, txRef string) (bool, error)
}

// DevClient is the in-process ledger used in development and tests. The
// transaction reference is the SHA3-256 of the consent id and fingerprint,
// which satisfies the same 64-hex format as the real ledger.
type DevClient struct {
	mu       sync.Mutex
	anchored map[string]string // txRef -> consentID
}

func NewDevClient() *DevClient {
	return &DevClient{anchored: make(map[string]string)}
}

func (c *DevClient) Anchor(_ context.Context, consentID string, fingerprint []byte) (string, error) {
	if consentID == "" {
		return "", derrors.New(derrors.CodeFatal, "consent id is required for anchoring")
	}
	h := sha3.New256()
	h.Write([]byte(consentID))
	h.Write(fingerprint)
	txRef := hex.EncodeToString(h.Sum(nil))

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.anchored[txRef]; ok && existing != consentID {
		return "", fmt.Errorf("transaction reference collision for %s", consentID)
	}
	c.anchored[txRef] = consentID
	return txRef, nil
}

func (c *DevClient) Verify(_ context.Context, txRef string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.anchored[txRef]
	return ok, nil
}
