// Package web provides the HTTP status page, operator control API, live
// websocket stream and metrics endpoint for the anneal controller.
package web

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/history"
	"github.com/sweeney/anneal-control/internal/status"
)

// Controller accepts operator intents for the active run.
// *control.Mailbox satisfies it.
type Controller interface {
	Submit(i control.Intent) bool
}

// Archive reads finished runs. *history.Store satisfies it.
type Archive interface {
	List(limit int) ([]history.RunSummary, error)
	Get(id string) (history.RunSummary, error)
}

// Defaults for Options.
const (
	DefaultPushInterval = time.Second
	DefaultControlRate  = rate.Limit(5)
	DefaultControlBurst = 10
)

// Options configures a Server. Control and Runs may be nil, in which case
// the corresponding endpoints answer 503.
type Options struct {
	Addr      string
	Tracker   *status.Tracker
	Control   Controller
	Runs      Archive
	AccessLog io.Writer

	PushInterval time.Duration
	ControlRate  rate.Limit
	ControlBurst int
}

// Server serves the status page and control API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	control    Controller
	runs       Archive
	limiter    *rate.Limiter
	upgrader   websocket.Upgrader
	push       time.Duration

	done     chan struct{}
	doneOnce sync.Once
}

// New creates a Server that reads state from the given tracker.
func New(o Options) *Server {
	if o.PushInterval <= 0 {
		o.PushInterval = DefaultPushInterval
	}
	if o.ControlRate <= 0 {
		o.ControlRate = DefaultControlRate
	}
	if o.ControlBurst <= 0 {
		o.ControlBurst = DefaultControlBurst
	}
	s := &Server{
		tracker: o.Tracker,
		control: o.Control,
		runs:    o.Runs,
		limiter: rate.NewLimiter(o.ControlRate, o.ControlBurst),
		push:    o.PushInterval,
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	var h http.Handler = s.routes()
	if o.AccessLog != nil {
		h = handlers.LoggingHandler(o.AccessLog, h)
	}
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)

	s.httpServer = &http.Server{
		Addr:              o.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/index.json", s.handleJSON).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleRun).Methods(http.MethodGet)

	ctl := api.NewRoute().Subrouter()
	ctl.Use(s.rateLimit)
	ctl.HandleFunc("/stop", s.handleSimple(control.Stop())).Methods(http.MethodPost)
	ctl.HandleFunc("/pause", s.handleSimple(control.Pause())).Methods(http.MethodPost)
	ctl.HandleFunc("/handover", s.handleSimple(control.Handover())).Methods(http.MethodPost)
	ctl.HandleFunc("/adjust", s.handleAdjust).Methods(http.MethodPost)
	ctl.HandleFunc("/mode", s.handleMode).Methods(http.MethodPost)
	return r
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown ends websocket streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}
