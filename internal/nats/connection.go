// Package nats manages the broker connection shared by the dispatcher and
// the task workers.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ConnectionConfig holds configuration for the NATS connection
type ConnectionConfig struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222")
	URL string

	// Name is the client name for identifying this connection
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for unlimited reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts
	ReconnectWait time.Duration

	// Timeout is the connection timeout
	Timeout time.Duration

	// Token is an optional authentication token
	Token string

	// Username is an optional username for authentication
	Username string

	// Password is an optional password for authentication
	Password string

	// TaskStream is the JetStream stream carrying step execution tasks.
	// Environment-specific (e.g. DAEDALUS_TASKS_UAT).
	TaskStream string

	// TaskConsumer is the durable pull consumer the worker pool binds to.
	TaskConsumer string
}

// DefaultConnectionConfig returns a configuration with sensible defaults
func DefaultConnectionConfig(url string) *ConnectionConfig {
	return &ConnectionConfig{
		URL:           url,
		Name:          "daedalus-engine",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		TaskStream:    "DAEDALUS_TASKS",
		TaskConsumer:  "daedalus-workers",
	}
}

// Connect establishes a connection to NATS with the provided configuration
func Connect(ctx context.Context, config *ConnectionConfig, logger *zap.Logger) (*nats.Conn, error) {
	if config == nil {
		return nil, fmt.Errorf("connection config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(config.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	} else if config.Username != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.Username, config.Password))
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := nats.Connect(config.URL, opts...)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", res.err)
		}
		return res.conn, nil
	}
}

// Close drains a NATS connection so in-flight messages complete, forcing a
// close when draining fails.
func Close(conn *nats.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("error draining connection: %w", err)
	}
	return nil
}

// IsConnected checks if the connection is active
func IsConnected(conn *nats.Conn) bool {
	return conn != nil && conn.IsConnected()
}

// WaitForConnection waits for the connection to be established or the
// context to expire.
func WaitForConnection(ctx context.Context, conn *nats.Conn, checkInterval time.Duration) error {
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		if conn.IsConnected() {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("connection wait cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
