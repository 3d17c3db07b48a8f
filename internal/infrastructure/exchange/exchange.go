package exchange

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 5 * time.Second
)

// ReadWithPing pumps messages from conn into onMessage until ctx is done or
// the connection fails. It pings periodically and extends the read deadline
// on every message and pong. It returns only after the reader goroutine has
// exited, so onMessage never runs once it returned. The caller owns conn and
// must close it.
func ReadWithPing(ctx context.Context, conn *websocket.Conn, onMessage func([]byte)) error {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return ctx.Err()
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)

	go func() {
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			// deadline first, then ctx: a cancel seen after this point has
			// already pulled the deadline back to now
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			onMessage(b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// unblock the reader and wait for it
			_ = conn.SetReadDeadline(time.Now())
			<-errCh
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout))
		}
	}
}

// CloseGracefully sends a normal-closure frame and closes conn.
func CloseGracefully(conn *websocket.Conn) error {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout),
	)
	return conn.Close()
}

// BuildURL joins base with path, keeping base's scheme, host and port.
func BuildURL(base, path string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("base url is empty")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
