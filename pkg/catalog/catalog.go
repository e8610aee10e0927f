// Package catalog tracks which sharded relations this shard knows about.
// A collection id names one incarnation of a namespace: dropping and
// recreating a relation yields a fresh id, so stale range deletion tasks
// can be told apart from live ones.
package catalog

import (
	"context"
	"sync"

	"github.com/range-sharding/chunkmover/pkg/config"
	"github.com/range-sharding/chunkmover/pkg/models/moverror"
)

type Collection struct {
	Namespace    string
	CollectionID string
	Table        string
	KeyColumn    string
}

type Catalog interface {
	GetCollection(ctx context.Context, namespace string) (*Collection, error)
	// RefreshCollection re-learns the live incarnation of a namespace
	// before anything acts on persisted state that references it.
	RefreshCollection(ctx context.Context, namespace string) error
	ListCollections(ctx context.Context) ([]*Collection, error)
	AddCollection(ctx context.Context, col *Collection) error
	DropCollection(ctx context.Context, namespace string) error
}

type LocalCatalog struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

var _ Catalog = &LocalCatalog{}

// NewLocalCatalog seeds the catalog from the relations section of the
// mover configuration.
func NewLocalCatalog() *LocalCatalog {
	collections := map[string]*Collection{}
	for namespace, rel := range config.MoverConfig().Relations {
		collections[namespace] = &Collection{
			Namespace:    namespace,
			CollectionID: rel.CollectionID,
			Table:        rel.Table,
			KeyColumn:    rel.KeyColumn,
		}
	}
	return &LocalCatalog{
		collections: collections,
	}
}

func (c *LocalCatalog) GetCollection(_ context.Context, namespace string) (*Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	col, ok := c.collections[namespace]
	if !ok {
		return nil, moverror.Newf(moverror.MOVER_OBJECT_NOT_EXIST, "unknown namespace \"%s\"", namespace)
	}
	return col, nil
}

// RefreshCollection reloads the namespace from the mover configuration.
// A namespace the configuration no longer knows keeps its current entry:
// the configuration supplements the catalog, it does not own it.
func (c *LocalCatalog) RefreshCollection(_ context.Context, namespace string) error {
	rel, ok := config.MoverConfig().Relations[namespace]
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.collections[namespace] = &Collection{
		Namespace:    namespace,
		CollectionID: rel.CollectionID,
		Table:        rel.Table,
		KeyColumn:    rel.KeyColumn,
	}
	return nil
}

func (c *LocalCatalog) ListCollections(_ context.Context) ([]*Collection, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ret := make([]*Collection, 0, len(c.collections))
	for _, col := range c.collections {
		ret = append(ret, col)
	}
	return ret, nil
}

func (c *LocalCatalog) AddCollection(_ context.Context, col *Collection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.collections[col.Namespace] = col
	return nil
}

func (c *LocalCatalog) DropCollection(_ context.Context, namespace string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.collections, namespace)
	return nil
}
