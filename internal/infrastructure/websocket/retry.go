// Package websocket holds the redial policy shared by socket-backed feeds.
package websocket

import (
	"context"
	"fmt"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RetryConfig WebSocket 连接重试配置
type RetryConfig struct {
	MaxRetries int           // 最大重试次数, 0 = 不限
	InitialDel time.Duration // 初始延迟
	MaxDelay   time.Duration // 最大延迟
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 0,
	InitialDel: 500 * time.Millisecond,
	MaxDelay:   10 * time.Second,
}

// Delay returns the wait before the given retry attempt (1-based):
// InitialDel doubled per attempt, capped at MaxDelay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := c.InitialDel
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	return min(d, c.MaxDelay)
}

// Redial calls dial until it succeeds, ctx is done or the retries run out,
// sleeping with exponential backoff before every attempt.
func Redial(ctx context.Context, cfg RetryConfig, label string, dial func(context.Context) (*gws.Conn, error)) (*gws.Conn, error) {
	var lastErr error
	for attempt := 1; cfg.MaxRetries <= 0 || attempt <= cfg.MaxRetries; attempt++ {
		delay := cfg.Delay(attempt)
		log.Info().
			Str("target", label).
			Int("attempt", attempt).
			Int64("delay_ms", delay.Milliseconds()).
			Msg("retrying websocket connection")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		conn, err := dial(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Error().Str("target", label).Int("attempt", attempt).Err(err).Msg("websocket redial failed")
	}
	return nil, fmt.Errorf("redial %s: gave up after %d attempts: %w", label, cfg.MaxRetries, lastErr)
}
