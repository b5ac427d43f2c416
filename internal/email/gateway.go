package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mixelka/mailsweep/pkg/models"
)

// ErrUnsupportedProvider is returned for accounts whose provider has no gateway
var ErrUnsupportedProvider = errors.New("unsupported mail provider")

// Gateway is the mail provider surface used by ingestion and bulk actions.
// Message ids are opaque provider ids; every mutating call is idempotent.
type Gateway interface {
	// ListNewMessageIDs returns ids of messages arrived after cursor and the
	// cursor to persist once they are all stored.
	ListNewMessageIDs(ctx context.Context, acc *models.Account, cursor string) ([]string, string, error)
	FetchMessage(ctx context.Context, acc *models.Account, id string) (*models.RawMessage, error)
	ArchiveMessage(ctx context.Context, acc *models.Account, id string) error
	MarkAsRead(ctx context.Context, acc *models.Account, id string) error
	DeleteMessage(ctx context.Context, acc *models.Account, id string) error
}

// Router dispatches gateway calls on the account provider
type Router struct {
	gateways map[models.Provider]Gateway
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{gateways: make(map[models.Provider]Gateway)}
}

// Register sets the gateway for a provider
func (r *Router) Register(provider models.Provider, gw Gateway) {
	r.gateways[provider] = gw
}

func (r *Router) gateway(acc *models.Account) (Gateway, error) {
	provider := acc.Provider
	if provider == "" {
		provider = models.ProviderIMAP
	}
	gw, ok := r.gateways[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	return gw, nil
}

// ListNewMessageIDs implements Gateway
func (r *Router) ListNewMessageIDs(ctx context.Context, acc *models.Account, cursor string) ([]string, string, error) {
	gw, err := r.gateway(acc)
	if err != nil {
		return nil, "", err
	}
	return gw.ListNewMessageIDs(ctx, acc, cursor)
}

// FetchMessage implements Gateway
func (r *Router) FetchMessage(ctx context.Context, acc *models.Account, id string) (*models.RawMessage, error) {
	gw, err := r.gateway(acc)
	if err != nil {
		return nil, err
	}
	return gw.FetchMessage(ctx, acc, id)
}

// ArchiveMessage implements Gateway
func (r *Router) ArchiveMessage(ctx context.Context, acc *models.Account, id string) error {
	gw, err := r.gateway(acc)
	if err != nil {
		return err
	}
	return gw.ArchiveMessage(ctx, acc, id)
}

// MarkAsRead implements Gateway
func (r *Router) MarkAsRead(ctx context.Context, acc *models.Account, id string) error {
	gw, err := r.gateway(acc)
	if err != nil {
		return err
	}
	return gw.MarkAsRead(ctx, acc, id)
}

// DeleteMessage implements Gateway
func (r *Router) DeleteMessage(ctx context.Context, acc *models.Account, id string) error {
	gw, err := r.gateway(acc)
	if err != nil {
		return err
	}
	return gw.DeleteMessage(ctx, acc, id)
}
