package provision

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cartloom/cartloom/pkg/connmgr"
	"github.com/cartloom/cartloom/pkg/errdefs"
	"github.com/cartloom/cartloom/pkg/events"
	"github.com/cartloom/cartloom/pkg/log"
	"github.com/cartloom/cartloom/pkg/metrics"
	"github.com/cartloom/cartloom/pkg/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// StoreRegistry is the slice of the master registry the provisioner needs
type StoreRegistry interface {
	GetStore(ctx context.Context, id string) (*types.Store, error)
	UpdateStoreStatus(ctx context.Context, id string, status types.StoreStatus) error
}

// ClientSource provides tenant clients and cache invalidation
type ClientSource interface {
	Get(ctx context.Context, storeID string) (connmgr.Client, error)
	Invalidate(storeID string)
}

// Identity carries the caller-supplied details seeded into a fresh
// tenant database
type Identity struct {
	Name       string
	Slug       string
	OwnerEmail string
}

// Provisioner repairs tenant databases: migrate, seed, activate
type Provisioner struct {
	registry StoreRegistry
	clients  ClientSource
	broker   *events.Broker
	logger   zerolog.Logger
}

// New creates a provisioner
func New(registry StoreRegistry, clients ClientSource, broker *events.Broker) *Provisioner {
	return &Provisioner{
		registry: registry,
		clients:  clients,
		broker:   broker,
		logger:   log.WithComponent("provision"),
	}
}

// Reprovision runs the full repair sequence for a store: mark it
// pending_database, drop any cached client, run all migrations, seed
// the minimal rows, and activate. Every failure leaves the store in
// pending_database and reports the step that broke.
//
// The sequence is idempotent; reprovisioning an already healthy store
// only touches timestamps.
func (p *Provisioner) Reprovision(ctx context.Context, storeID string, identity Identity) error {
	store, err := p.registry.GetStore(ctx, storeID)
	if err != nil {
		return p.failed(storeID, "lookup", err)
	}

	if err := p.registry.UpdateStoreStatus(ctx, storeID, types.StoreStatusPendingDatabase); err != nil {
		return p.failed(storeID, "mark_pending", err)
	}
	p.clients.Invalidate(storeID)

	client, err := p.clients.Get(ctx, storeID)
	if err != nil {
		return p.failed(storeID, "connect", err)
	}

	if err := p.Migrate(ctx, client); err != nil {
		return p.failed(storeID, "migrate", err)
	}

	if err := p.seed(ctx, client, store, identity); err != nil {
		return p.failed(storeID, "seed", err)
	}

	if err := p.registry.UpdateStoreStatus(ctx, storeID, types.StoreStatusActive); err != nil {
		return p.failed(storeID, "activate", err)
	}

	metrics.Repairs.WithLabelValues("ok").Inc()
	p.logger.Info().Str("store_id", storeID).Msg("store reprovisioned")
	if p.broker != nil {
		p.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventStoreProvisioned,
			StoreID: storeID,
		})
	}
	return nil
}

func (p *Provisioner) failed(storeID, step string, err error) error {
	metrics.Repairs.WithLabelValues("error").Inc()
	p.logger.Error().Err(err).Str("store_id", storeID).Str("step", step).Msg("reprovision failed")
	if p.broker != nil {
		p.broker.Publish(&events.Event{
			ID:      uuid.New().String(),
			Type:    events.EventStoreRepairFailed,
			StoreID: storeID,
			Message: step,
		})
	}
	return &errdefs.RepairError{Step: step, Err: err}
}

// Migrate applies every embedded migration script in filename order.
// Scripts are idempotent, so replays are safe.
func (p *Provisioner) Migrate(ctx context.Context, client connmgr.Client) error {
	names, err := migrationNames()
	if err != nil {
		return err
	}

	for _, name := range names {
		script, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := client.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		p.logger.Debug().Str("migration", name).Msg("migration applied")
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (p *Provisioner) seed(ctx context.Context, client connmgr.Client, store *types.Store, identity Identity) error {
	name := identity.Name
	if name == "" {
		name = store.Name
	}
	slug := identity.Slug
	if slug == "" {
		slug = store.Slug
	}

	now := time.Now().UTC()

	// Default store row mirrors the master record
	_, err := client.Exec(ctx, `
		INSERT INTO stores (id, slug, name, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, true, $4, $4)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			is_default = true,
			updated_at = EXCLUDED.updated_at`,
		store.ID, slug, name, now)
	if err != nil {
		return fmt.Errorf("seed default store: %w", err)
	}

	// Owner user mirrored from master
	if identity.OwnerEmail != "" {
		_, err = client.Exec(ctx, `
			INSERT INTO users (id, email, role, created_at, updated_at)
			VALUES ($1, $2, 'owner', $3, $3)
			ON CONFLICT (email) DO UPDATE SET
				role = 'owner',
				updated_at = EXCLUDED.updated_at`,
			store.UserID, identity.OwnerEmail, now)
		if err != nil {
			return fmt.Errorf("seed owner user: %w", err)
		}
	}

	for locale, entries := range systemTranslations {
		for key, value := range entries {
			_, err = client.Exec(ctx, `
				INSERT INTO translations (locale, key, value)
				VALUES ($1, $2, $3)
				ON CONFLICT (locale, key) DO UPDATE SET value = EXCLUDED.value`,
				locale, key, value)
			if err != nil {
				return fmt.Errorf("seed translations: %w", err)
			}
		}
	}

	_, err = client.Exec(ctx, `
		INSERT INTO themes (id, name, config, is_active, created_at)
		VALUES ($1, 'default', '{"palette":"light"}', true, $2)
		ON CONFLICT (name) DO UPDATE SET is_active = true`,
		uuid.New().String(), now)
	if err != nil {
		return fmt.Errorf("seed default theme: %w", err)
	}

	for key, tpl := range defaultEmailTemplates {
		_, err = client.Exec(ctx, `
			INSERT INTO email_templates (key, subject, body_html, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				subject = EXCLUDED.subject,
				body_html = EXCLUDED.body_html,
				updated_at = EXCLUDED.updated_at`,
			key, tpl.subject, tpl.body, now)
		if err != nil {
			return fmt.Errorf("seed email templates: %w", err)
		}
	}

	return nil
}

var systemTranslations = map[string]map[string]string{
	"en": {
		"checkout.title":   "Checkout",
		"cart.empty":       "Your cart is empty",
		"order.confirmed":  "Your order has been confirmed",
		"product.sold_out": "Sold out",
		"account.welcome":  "Welcome",
	},
	"nl": {
		"checkout.title":   "Afrekenen",
		"cart.empty":       "Je winkelwagen is leeg",
		"order.confirmed":  "Je bestelling is bevestigd",
		"product.sold_out": "Uitverkocht",
		"account.welcome":  "Welkom",
	},
}

var defaultEmailTemplates = map[string]struct {
	subject string
	body    string
}{
	"order_confirmation": {
		subject: "Order confirmation",
		body:    "<p>Thank you for your order.</p>",
	},
	"password_reset": {
		subject: "Reset your password",
		body:    "<p>Follow the link to reset your password.</p>",
	},
	"welcome": {
		subject: "Welcome to the store",
		body:    "<p>Your account is ready.</p>",
	},
}
