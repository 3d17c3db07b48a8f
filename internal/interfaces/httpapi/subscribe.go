package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"

	"pluto/internal/domain"
)

// maxRequestBody bounds the subscribe request; it only carries a ticker.
const maxRequestBody = 4 << 10

// SubscribeRequest asks for one ticker's price stream.
type SubscribeRequest struct {
	Ticker string `json:"ticker"`
}

// jsonCodec is Connect's "json" encoding over plain structs. Field names
// follow the proto3 JSON mapping of pluto.SubscribeRequest and
// pluto.PriceUpdate, so web clients on the default Connect transport decode
// frames without generated types on this side.
type jsonCodec struct{}

func (jsonCodec) Name() string                    { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

func (s *Server) subscribeHandler() http.Handler {
	return connect.NewServerStreamHandler(SubscribePath, s.subscribe,
		connect.WithCodec(jsonCodec{}),
		connect.WithReadMaxBytes(maxRequestBody),
	)
}

// subscribe is the SubscribeTicker server stream. The client leaving is a
// normal end; every other failure maps onto a Connect error code.
func (s *Server) subscribe(ctx context.Context, req *connect.Request[SubscribeRequest], out *connect.ServerStream[PriceUpdate]) error {
	ticker := strings.TrimSpace(req.Msg.Ticker)
	log.Info().Str("ticker", ticker).Str("remote", req.Peer().Addr).Msg("subscribe start")

	st, err := s.streams.Open(ctx, ticker)
	if err != nil {
		if ctx.Err() != nil {
			return connect.NewError(connect.CodeCanceled, ctx.Err())
		}
		log.Warn().Str("ticker", ticker).Err(err).Msg("subscribe rejected")
		return connectError(err)
	}

	err = st.Pump(ctx, func(evt domain.PriceEvent) error {
		u := newPriceUpdate(evt)
		return out.Send(&u)
	})
	log.Info().Str("ticker", ticker).Str("symbol", st.Symbol()).Msg("subscribe end")
	if err != nil {
		return connectError(err)
	}
	return nil
}

func connectError(err error) *connect.Error {
	code := connect.CodeInternal
	if domain.CodeOf(err) == domain.CodeInvalidArgument {
		code = connect.CodeInvalidArgument
	}
	return connect.NewError(code, errors.New(messageOf(err)))
}
