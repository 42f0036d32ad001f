package redisbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrResultNotFound is returned when no result has been stored for a job.
var ErrResultNotFound = errors.New("job result not found")

// Config holds Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL is how long stored results are retained.
	TTL time.Duration
}

// Client stores and retrieves job results.
//
// Workers write the normalized `{result, log}` payload here when a job
// succeeds; the overseer reads it back when a `task.succeeded` event
// arrives without an inline result.
type Client struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// Result is the normalized output of a successful job.
type Result struct {
	Result json.RawMessage `json:"result"`
	Log    json.RawMessage `json:"log,omitempty"`
}

// NewClient creates a new result backend client and verifies the connection.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour // default
	}

	logger.Info("Connected to Redis result backend",
		slog.String("addr", config.Addr),
		slog.Duration("ttl", ttl),
	)

	return &Client{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func resultKey(jobID string) string {
	return "conductor:result:" + jobID
}

// StoreResult stores the result of a job under its id.
func (c *Client) StoreResult(ctx context.Context, jobID string, result *Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.rdb.Set(ctx, resultKey(jobID), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result for job %s: %w", jobID, err)
	}

	c.logger.Debug("Job result stored",
		slog.String("job_id", jobID),
		slog.Int("body_size", len(body)),
	)

	return nil
}

// GetResult retrieves the result of a job by its id.
func (c *Client) GetResult(ctx context.Context, jobID string) (*Result, error) {
	body, err := c.rdb.Get(ctx, resultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to get result for job %s: %w", jobID, err)
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result for job %s: %w", jobID, err)
	}

	return &result, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
