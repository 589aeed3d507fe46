// Package payment abstracts the settlement collaborator charging data
// consumers per matched record.
package payment

import (
	"context"
	"fmt"
	"sync"

	"healthex/pkg/domain"
)

// Charge describes one settlement.
type Charge struct {
	TransactionID domain.TransactionID
	CompanyID     domain.CompanyID
	RequestID     domain.RequestID
	AmountCents   int64
	RecordCount   int
}

// Receipt is the gateway's confirmation.
type Receipt struct {
	TransactionID domain.TransactionID
	Reference     string
}

// Gateway executes charges. Charging is idempotent per transaction id: a
// repeated charge returns the original receipt.
type Gateway interface {
	Charge(ctx context.Context, charge Charge) (Receipt, error)
}

// DevGateway is the in-process gateway used in development and tests. Fail
// can be set to simulate collaborator outages.
type DevGateway struct {
	mu       sync.Mutex
	receipts map[domain.TransactionID]Receipt
	seq      int

	// Fail, when non-nil, is returned by every Charge call.
	Fail error
}

func NewDevGateway() *DevGateway {
	return &DevGateway{receipts: make(map[domain.TransactionID]Receipt)}
}

func (g *DevGateway) Charge(_ context.Context, charge Charge) (Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Fail != nil {
		return Receipt{}, g.Fail
	}
	if receipt, ok := g.receipts[charge.TransactionID]; ok {
		return receipt, nil
	}
	g.seq++
	receipt := Receipt{
		TransactionID: charge.TransactionID,
		Reference:     fmt.Sprintf("dev-%06d", g.seq),
	}
	g.receipts[charge.TransactionID] = receipt
	return receipt, nil
}
