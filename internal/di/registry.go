package di

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	pfirestore "github.com/storefront/checkout-api/internal/platform/firestore"
	"github.com/storefront/checkout-api/internal/repositories"
	fsrepo "github.com/storefront/checkout-api/internal/repositories/firestore"
	redisrepo "github.com/storefront/checkout-api/internal/repositories/redis"
)

type registry struct {
	provider *pfirestore.Provider
	redis    goredis.UniversalClient

	carts     *fsrepo.CartRepository
	catalog   *fsrepo.CatalogRepository
	addresses *fsrepo.AddressRepository
	inventory *fsrepo.InventoryRepository
	orders    *fsrepo.OrderRepository
	wallets   *fsrepo.WalletRepository
	sessions  *redisrepo.SessionRepository
}

// NewRegistry builds the Firestore and Redis repositories. The registry owns both clients.
func NewRegistry(provider *pfirestore.Provider, client goredis.UniversalClient) (repositories.Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}
	if client == nil {
		return nil, errors.New("registry: redis client is required")
	}
	reg := &registry{provider: provider, redis: client}

	var err error
	if reg.carts, err = fsrepo.NewCartRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: carts: %w", err)
	}
	if reg.catalog, err = fsrepo.NewCatalogRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: catalog: %w", err)
	}
	if reg.addresses, err = fsrepo.NewAddressRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: addresses: %w", err)
	}
	if reg.inventory, err = fsrepo.NewInventoryRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: inventory: %w", err)
	}
	if reg.orders, err = fsrepo.NewOrderRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: orders: %w", err)
	}
	if reg.wallets, err = fsrepo.NewWalletRepository(provider); err != nil {
		return nil, fmt.Errorf("registry: wallets: %w", err)
	}
	if reg.sessions, err = redisrepo.NewSessionRepository(client); err != nil {
		return nil, fmt.Errorf("registry: sessions: %w", err)
	}
	return reg, nil
}

func (r *registry) Close(ctx context.Context) error {
	return errors.Join(r.provider.Close(ctx), r.redis.Close())
}

func (r *registry) Carts() repositories.CartRepository { return r.carts }
func (r *registry) Products() repositories.ProductRepository { return r.catalog }
func (r *registry) Offers() repositories.OfferRepository { return r.catalog }
func (r *registry) Coupons() repositories.CouponRepository { return r.catalog }
func (r *registry) Addresses() repositories.AddressRepository { return r.addresses }
func (r *registry) Inventory() repositories.InventoryRepository { return r.inventory }
func (r *registry) Sessions() repositories.CheckoutSessionRepository { return r.sessions }
func (r *registry) Orders() repositories.OrderRepository { return r.orders }
func (r *registry) Wallets() repositories.WalletRepository { return r.wallets }
