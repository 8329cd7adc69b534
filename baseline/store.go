package baseline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTenant is the implicit tenant of single-tenant deployments.
const DefaultTenant = "default"

// Layout selects how tenants are laid out in the persisted store.
type Layout string

const (
	// LayoutTenants keeps one record list per tenant.
	LayoutTenants Layout = "tenants"
	// LayoutFlat keeps a single record list owned by DefaultTenant.
	LayoutFlat Layout = "flat"
)

const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Store persists record collections partitioned by tenant.
type Store interface {
	// Load returns the tenant's collection; an absent store or tenant yields
	// an empty collection.
	Load(ctx context.Context, tenant string) (*Collection, error)
	// Save replaces the tenant's collection without touching other tenants.
	Save(ctx context.Context, tenant string, c *Collection) error
	// Update runs one serialized load-mutate-save cycle for tenant. When fn
	// returns an error nothing is written.
	Update(ctx context.Context, tenant string, fn func(c *Collection) error) error
	// Tenants lists tenants that own at least one record.
	Tenants(ctx context.Context) ([]string, error)
	Close() error
}

// Options configures OpenStore.
type Options struct {
	Backend string
	Path    string
	Layout  Layout
	// Policy derives identities for records migrated from legacy files.
	Policy IdentityPolicy
	// SigningKey, when set, seals the JSON store with a keyed MAC.
	SigningKey  []byte
	LockTimeout time.Duration
}

// OpenStore builds the configured backend.
func OpenStore(opts Options) (Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Layout == "" {
		opts.Layout = LayoutTenants
	}
	if opts.Layout != LayoutTenants && opts.Layout != LayoutFlat {
		return nil, fmt.Errorf("invalid store layout: %s", opts.Layout)
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendJSON:
		return NewJSONStore(opts), nil
	case BackendSQLite:
		if len(opts.SigningKey) > 0 {
			return nil, fmt.Errorf("signing key is only supported by the %s backend", BackendJSON)
		}
		store, err := OpenSQLStore(opts)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, opts.Backend)
	}
}

// NormalizeTenant trims tenant and rejects empty identifiers.
func NormalizeTenant(tenant string) (string, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return "", fmt.Errorf("%w: empty tenant", ErrInvalidTenant)
	}
	return tenant, nil
}

func checkTenant(layout Layout, tenant string) (string, error) {
	tenant, err := NormalizeTenant(tenant)
	if err != nil {
		return "", err
	}
	if layout == LayoutFlat && tenant != DefaultTenant {
		return "", fmt.Errorf("%w: %q (flat stores only hold %q)", ErrTenantNotAllowed, tenant, DefaultTenant)
	}
	return tenant, nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
