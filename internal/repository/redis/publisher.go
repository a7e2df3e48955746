// Package redis publishes consolidation actions to the deployment layer over Redis
// pub/sub and keeps the most recent pass report.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/pipelines/internal/config"
	"github.com/limiquantix/pipelines/internal/domain"
	"github.com/limiquantix/pipelines/internal/drs"
)

const (
	// ActionsChannel carries one ActionsMessage per consolidation pass that moved jobs.
	ActionsChannel = "events:gpu-actions"
	// LastPassKey holds the JSON report of the most recent pass.
	LastPassKey = "gpu:drs:last-pass"

	defaultReportTTL = 24 * time.Hour
)

// Ensure Publisher implements drs.Publisher
var _ drs.Publisher = (*Publisher)(nil)

// ActionsMessage is the payload published on ActionsChannel.
type ActionsMessage struct {
	PassID  string             `json:"pass_id"`
	Actions []domain.JobAction `json:"actions"`
	SentAt  time.Time          `json:"sent_at"`
}

// Publisher wraps a Redis client for action delivery.
type Publisher struct {
	client    *redis.Client
	reportTTL time.Duration
	logger    *zap.Logger
}

// NewPublisher creates a new Redis connection.
func NewPublisher(cfg config.RedisConfig, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return newPublisher(client, cfg.ReportTTL, logger), nil
}

func newPublisher(client *redis.Client, reportTTL time.Duration, logger *zap.Logger) *Publisher {
	if reportTTL <= 0 {
		reportTTL = defaultReportTTL
	}
	return &Publisher{
		client:    client,
		reportTTL: reportTTL,
		logger:    logger.With(zap.String("repository", "redis")),
	}
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Health checks if Redis is reachable.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// PublishActions publishes the actions of a pass on ActionsChannel.
func (p *Publisher) PublishActions(ctx context.Context, passID string, actions []domain.JobAction) error {
	data, err := json.Marshal(ActionsMessage{PassID: passID, Actions: actions, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	receivers, err := p.client.Publish(ctx, ActionsChannel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish actions: %w", err)
	}
	if receivers == 0 {
		p.logger.Warn("No subscriber received consolidation actions",
			zap.String("pass_id", passID),
			zap.Int("actions", len(actions)),
		)
	}
	return nil
}

// StoreReport stores report under LastPassKey.
func (p *Publisher) StoreReport(ctx context.Context, report *drs.PassReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := p.client.Set(ctx, LastPassKey, data, p.reportTTL).Err(); err != nil {
		return fmt.Errorf("failed to store report: %w", err)
	}
	return nil
}

// LastReport returns the stored report, or domain.ErrNotFound when none is stored.
func (p *Publisher) LastReport(ctx context.Context) (*drs.PassReport, error) {
	val, err := p.client.Get(ctx, LastPassKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: no pass report", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get error: %w", err)
	}

	var report drs.PassReport
	if err := json.Unmarshal(val, &report); err != nil {
		return nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return &report, nil
}

// Subscribe returns the decoded messages published on ActionsChannel until ctx is done.
// Malformed messages are logged and skipped.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan ActionsMessage, error) {
	sub := p.client.Subscribe(ctx, ActionsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan ActionsMessage, 10)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m ActionsMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					p.logger.Warn("Failed to unmarshal actions message", zap.Error(err))
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
