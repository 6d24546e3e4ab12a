package backend

import (
	"context"
	"errors"

	"tgledger/internal/amqp"
	"tgledger/internal/balance"
	"tgledger/internal/core"
	"tgledger/internal/ledger"
	"tgledger/internal/notify"
	"tgledger/internal/services"
	ports "tgledger/internal/sheets"
)

// Journal is the journal view shared by the service, the worker and the
// journal route.
type Journal interface {
	services.Journal
	ListRecent(ctx context.Context, limit int) ([]core.JournalEntry, error)
	ListRetryable(ctx context.Context, limit int) ([]core.JournalEntry, error)
	ListByRow(ctx context.Context, row int) ([]core.JournalEntry, error)
}

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// Backend is the wired set of components one process runs on.
type Backend struct {
	Type    Type
	Opener  ports.Opener
	Ledger  *ledger.Writer
	Balance *balance.Engine
	Journal Journal
	Sender  notify.Sender
	Service *services.TransactionService
	// AMQP is nil when no broker is configured or reachable.
	AMQP *amqp.Client

	cleanups []CleanupFunc
}

// Close releases resources in reverse order of acquisition.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.cleanups) - 1; i >= 0; i-- {
		if err := b.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.cleanups = nil
	return errors.Join(errs...)
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*Backend, error)
}

// Type represents the type of backend
type Type string

const (
	SheetsBackend Type = "sheets"
	MemoryBackend Type = "memory"
)

// String implements fmt.Stringer
func (t Type) String() string {
	return string(t)
}

// IsValid returns true if the backend type is valid
func (t Type) IsValid() bool {
	switch t {
	case SheetsBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
