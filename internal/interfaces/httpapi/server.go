// Package httpapi serves price streams over HTTP: the Connect
// server-streaming RPC pluto.PriceService/SubscribeTicker and a websocket
// endpoint carrying the same frames as JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"pluto/internal/application/service"
	"pluto/internal/application/usecase/stream"
	"pluto/internal/domain"
)

// SubscribePath is the streaming RPC route.
const SubscribePath = "/pluto.PriceService/SubscribeTicker"

// Streams opens one pull stream per request.
type Streams interface {
	Open(ctx context.Context, ticker string) (*stream.Stream, error)
}

type Options struct {
	CORSOrigin  string // "*" echoes the request origin
	MetricsPath string
	Metrics     http.Handler                    // nil disables the metrics route
	Instrument  func(http.Handler) http.Handler // optional request metrics
	Feeds       func() []service.FeedInfo       // backs /debug/feeds
}

type Server struct {
	streams Streams
	opts    Options
	router  chi.Router
}

func NewServer(streams Streams, opts Options) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	s := &Server{streams: streams, opts: opts}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if s.opts.Instrument != nil {
		r.Use(s.opts.Instrument)
	}
	r.Use(s.cors)

	r.Handle(SubscribePath, s.subscribeHandler())
	r.Get("/ws", s.handleWebsocket)
	r.Get("/healthz", s.handleHealth)
	r.Get("/debug/feeds", s.handleFeeds)
	if s.opts.Metrics != nil {
		r.Handle(s.opts.MetricsPath, s.opts.Metrics)
	}
	return r
}

var allowHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	"Connect-Protocol-Version",
	"Connect-Content-Encoding",
	"Connect-Accept-Encoding",
	"Connect-Timeout-Ms",
	"Grpc-Timeout",
	"X-Grpc-Web",
	"X-User-Agent",
}, ", ")

var exposeHeaders = strings.Join([]string{
	"Content-Type",
	"Connect-Content-Encoding",
	"Connect-Accept-Encoding",
	"Grpc-Status",
	"Grpc-Message",
	"Grpc-Status-Details-Bin",
}, ", ")

// cors answers preflights itself and decorates every other response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := s.opts.CORSOrigin
		if origin == "" || origin == "*" {
			origin = r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Expose-Headers", exposeHeaders)

		if r.Method == http.MethodOptions {
			// echo what the browser asked for, plus our defaults
			allow := allowHeaders
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				allow = allow + ", " + req
			}
			h.Set("Access-Control-Allow-Headers", allow)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleFeeds(w http.ResponseWriter, _ *http.Request) {
	feeds := []service.FeedInfo{}
	if s.opts.Feeds != nil {
		feeds = s.opts.Feeds()
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": feeds})
}

// PriceUpdate is one frame on the wire.
type PriceUpdate struct {
	Ticker  string  `json:"ticker"`
	Price   float64 `json:"price"`
	IsoTime string  `json:"isoTime"`
}

func newPriceUpdate(evt domain.PriceEvent) PriceUpdate {
	return PriceUpdate{Ticker: evt.Symbol, Price: evt.Price, IsoTime: evt.ISOTime()}
}

// messageOf is the client-facing text of err; internal causes stay in logs.
func messageOf(err error) string {
	var se *domain.StreamError
	if errors.As(err, &se) {
		return se.Message
	}
	return "internal error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write json response")
	}
}
