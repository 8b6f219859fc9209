package db2pgtunnel

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	common "github.com/Ants24/data-tunnel-common"
	"go.uber.org/multierr"
)

type ConnectorFactory func(logger common.Logger, cfg ConnectionConfig) (Connector, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]ConnectorFactory)
)

// RegisterConnector makes a connector implementation available under a dialect
// name. Driver packages call it from init.
func RegisterConnector(dialect string, factory ConnectorFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	dialect = strings.ToLower(dialect)
	if factory == nil {
		panic("db2pgtunnel: RegisterConnector factory is nil")
	}
	if _, dup := factories[dialect]; dup {
		panic("db2pgtunnel: RegisterConnector called twice for dialect " + dialect)
	}
	factories[dialect] = factory
}

func Dialects() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewConnector builds an unconnected connector for cfg.Dialect.
func NewConnector(logger common.Logger, cfg ConnectionConfig) (Connector, error) {
	factoriesMu.RLock()
	factory, ok := factories[strings.ToLower(cfg.Dialect)]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for dialect %q (known: %s)", cfg.Dialect, strings.Join(Dialects(), ", "))
	}
	connector, err := factory(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s connector: %w", cfg.Dialect, err)
	}
	return connector, nil
}

// ConnectorCache hands out one connected Connector per distinct endpoint.
type ConnectorCache struct {
	mu      sync.Mutex
	clients map[string]Connector
}

func NewConnectorCache() *ConnectorCache {
	return &ConnectorCache{clients: make(map[string]Connector)}
}

func connectorKey(cfg ConnectionConfig) string {
	return fmt.Sprintf("%s:%s:%s:%d:%s", cfg.Dialect, cfg.User, cfg.Host, cfg.Port, cfg.Database)
}

func (c *ConnectorCache) Get(ctx context.Context, logger common.Logger, cfg ConnectionConfig) (Connector, error) {
	key := connectorKey(cfg)
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := NewConnector(logger, cfg)
	if err != nil {
		logger.Logger.Sugar().Errorf("failed to create connector: %v", err)
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}

// Close disconnects every cached connector and empties the cache.
func (c *ConnectorCache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for key, client := range c.clients {
		if err := client.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", key, err))
		}
		delete(c.clients, key)
	}
	return multierr.Combine(errs...)
}
