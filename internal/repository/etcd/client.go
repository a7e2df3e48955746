// Package etcd provides the distributed lock that keeps consolidation passes from
// running on more than one scheduler instance at a time.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/config"
)

const lockPrefix = "/pipelines/locks"

// Client wraps an etcd client and the session that owns its locks.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 30
	}
	// Locks held by this session are released when the lease expires, so a crashed
	// instance cannot block consolidation for longer than ttl.
	session, err := concurrency.NewSession(client, concurrency.WithTTL(ttl))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		logger:  logger.With(zap.String("repository", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// TryLock acquires the lock named key without waiting for another holder. It returns
// ok=false when the lock is held elsewhere. The returned unlock releases it.
func (c *Client) TryLock(ctx context.Context, key string) (unlock func(context.Context) error, ok bool, err error) {
	name := path.Join(lockPrefix, key)
	mutex := concurrency.NewMutex(c.session, name)

	if err := mutex.TryLock(ctx); err != nil {
		if errors.Is(err, concurrency.ErrLocked) {
			c.logger.Debug("Lock held by another instance", zap.String("key", name))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	c.logger.Debug("Acquired lock", zap.String("key", name))
	return func(ctx context.Context) error {
		if err := mutex.Unlock(ctx); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", name, err)
		}
		c.logger.Debug("Released lock", zap.String("key", name))
		return nil
	}, true, nil
}
