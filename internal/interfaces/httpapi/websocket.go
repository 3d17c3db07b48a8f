package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"pluto/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin policy is enforced by the cors middleware
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket streams PriceUpdate frames for ?ticker= until the client
// goes away. Failures end the connection with a close frame: 1008 for an
// unresolvable ticker, 1011 for internal faults.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ticker := strings.TrimSpace(r.URL.Query().Get("ticker"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// reader: keeps pongs flowing and notices the client leaving
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	st, err := s.streams.Open(ctx, ticker)
	if err != nil {
		if ctx.Err() == nil {
			closeWith(conn, err)
		}
		return
	}
	log.Info().Str("ticker", ticker).Str("symbol", st.Symbol()).Msg("websocket stream start")

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err = st.Pump(ctx, func(evt domain.PriceEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(newPriceUpdate(evt))
	})
	if err != nil {
		closeWith(conn, err)
	} else {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	}
	log.Info().Str("symbol", st.Symbol()).Msg("websocket stream end")
}

func closeWith(conn *websocket.Conn, err error) {
	code := websocket.CloseInternalServerErr
	if domain.CodeOf(err) == domain.CodeInvalidArgument {
		code = websocket.ClosePolicyViolation
	}
	msg := messageOf(err)
	// close reasons are capped at 123 bytes
	if len(msg) > 120 {
		msg = msg[:120]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), time.Now().Add(wsWriteWait))
}
