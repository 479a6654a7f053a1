package safety

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConfirmationNotFound = errors.New("no pending operation with this confirmation id")
	ErrConfirmationExpired  = errors.New("confirmation expired")
)

// PendingOperation is an operation held back until a user confirms it.
type PendingOperation struct {
	ID        string
	Service   Service
	Risk      RiskLevel
	ExpiresAt time.Time
	// Payload is what the caller needs to run the operation later.
	Payload interface{}
}

// Confirmations holds pending operations for a limited time. Each one can be
// taken once.
type Confirmations struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]PendingOperation
}

// NewConfirmations creates a store whose operations expire after ttl.
func NewConfirmations(ttl time.Duration) *Confirmations {
	return &Confirmations{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]PendingOperation),
	}
}

// Hold stores an operation and returns it with its new id.
func (c *Confirmations) Hold(service Service, risk RiskLevel, payload interface{}) PendingOperation {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)
	op := PendingOperation{
		ID:        uuid.NewString(),
		Service:   service,
		Risk:      risk,
		ExpiresAt: now.Add(c.ttl),
		Payload:   payload,
	}
	c.pending[op.ID] = op
	return op
}

// Take removes and returns the operation with id. An expired operation is
// removed as well and reported with ErrConfirmationExpired.
func (c *Confirmations) Take(id string) (PendingOperation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.pending[id]
	if !ok {
		return PendingOperation{}, ErrConfirmationNotFound
	}
	delete(c.pending, id)
	if !c.now().Before(op.ExpiresAt) {
		return PendingOperation{}, ErrConfirmationExpired
	}
	return op, nil
}

// Len returns the number of operations waiting for confirmation.
func (c *Confirmations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	return len(c.pending)
}

func (c *Confirmations) expireLocked(now time.Time) {
	for id, op := range c.pending {
		if !now.Before(op.ExpiresAt) {
			delete(c.pending, id)
		}
	}
}
