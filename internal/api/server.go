package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/bryanchriswhite/GlassesStreamer/internal/loop"
	"github.com/bryanchriswhite/GlassesStreamer/internal/output"
	"github.com/bryanchriswhite/GlassesStreamer/internal/overlay"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by the health endpoint.
const Version = "0.2.0"

// Settings saves runtime choices. config.Manager satisfies it.
type Settings interface {
	Set(key, value string) error
}

// Options wires the server to the running pipeline. Store, Recorder,
// Processor and Settings may be nil; without a store region changes are
// only pushed to status listeners on the next tick.
type Options struct {
	Loop      *loop.Loop
	Bus       *bus.Bus
	Store     *region.Store
	Recorder  *output.Recorder
	Processor *output.ProcessingSink
	Overlay   *overlay.Renderer
	Settings  Settings
	Step      region.Step
	Quality   int
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	loop      *loop.Loop
	bus       *bus.Bus
	store     *region.Store
	recorder  *output.Recorder
	processor *output.ProcessingSink
	overlay   *overlay.Renderer
	settings  Settings
	quality   int
	upgrader  websocket.Upgrader

	live    *output.MJPEGViewer
	control *output.MJPEGViewer
	ws      *output.WebSocketViewer

	stepMu sync.RWMutex
	step   region.Step
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Overlay == nil {
		opts.Overlay = overlay.NewRenderer(overlay.ModeStandard)
	}
	if opts.Step == 0 {
		opts.Step = region.StepNormal
	}
	s := &Server{
		router:    mux.NewRouter(),
		loop:      opts.Loop,
		bus:       opts.Bus,
		store:     opts.Store,
		recorder:  opts.Recorder,
		processor: opts.Processor,
		overlay:   opts.Overlay,
		settings:  opts.Settings,
		quality:   opts.Quality,
		step:      opts.Step,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
	s.live = output.NewMJPEGViewer(opts.Bus, opts.Quality, nil)
	s.control = output.NewMJPEGViewer(opts.Bus, opts.Quality, s.Decorator())
	s.ws = output.NewWebSocketViewer(opts.Bus, opts.Quality)

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/status/ws", s.handleStatusStream)

	// Region control
	api.HandleFunc("/region", s.handleGetRegion).Methods("GET")
	api.HandleFunc("/region", s.handleSetRegion).Methods("PUT")
	api.HandleFunc("/region/nudge", s.handleNudge).Methods("POST")
	api.HandleFunc("/region/resize", s.handleResize).Methods("POST")
	api.HandleFunc("/region/reset", s.handleReset).Methods("POST")

	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	api.Handle("/stream/ws", s.ws)

	api.HandleFunc("/recording", s.handleGetRecording).Methods("GET")
	api.HandleFunc("/recording/start", s.handleStartRecording).Methods("POST")
	api.HandleFunc("/recording/stop", s.handleStopRecording).Methods("POST")

	api.HandleFunc("/process", s.handleProcess).Methods("POST")

	api.HandleFunc("/overlay", s.handleGetOverlay).Methods("GET")
	api.HandleFunc("/overlay", s.handleSetOverlay).Methods("PUT")
	api.HandleFunc("/overlay/cycle", s.handleCycleOverlay).Methods("POST")

	// Live viewers
	s.router.Handle("/stream", s.live).Methods("GET")
	s.router.Handle("/stream/control", s.control).Methods("GET")
	s.router.HandleFunc("/control", output.ViewerPage("GlassesStreamer control", "/stream/control")).Methods("GET")

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Run serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	log := logger.WithComponent("api")

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msgf("Starting server on http://localhost%s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Streaming handlers only return once their request context ends
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Graceful shutdown timed out, closing connections")
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("HTTP server stopped")
	return nil
}

// Decorator draws the current overlay mode onto preview frames.
func (s *Server) Decorator() output.Decorator {
	return output.OverlayDecorator{Renderer: s.overlay, Info: s.OverlayInfo}
}

// OverlayInfo collects what the overlay widgets display.
func (s *Server) OverlayInfo() overlay.Info {
	st := s.loop.Status()
	var drops uint64
	for _, sub := range st.Bus.Subscribers {
		drops += sub.Dropped
	}
	return overlay.Info{
		Rect:   st.Region.Rect,
		Bounds: st.Bounds,
		Step:   s.currentStep(),
		Seq:    st.Seq,
		FPS:    st.FPS,
		State:  st.State.String(),
		Drops:  drops,
	}
}

func (s *Server) currentStep() region.Step {
	s.stepMu.RLock()
	defer s.stepMu.RUnlock()
	return s.step
}

func (s *Server) setStep(step region.Step) {
	s.stepMu.Lock()
	changed := s.step != step
	s.step = step
	s.stepMu.Unlock()
	if changed {
		s.persist("preview.step", step.String())
	}
}

func (s *Server) setOverlay(mode overlay.Mode) {
	s.overlay.SetMode(mode)
	s.persist("preview.overlay", mode.String())
}

func (s *Server) cycleOverlay() overlay.Mode {
	mode := s.overlay.Cycle()
	s.persist("preview.overlay", mode.String())
	return mode
}

// persist saves a runtime choice. Failures are logged; the in-memory value
// stays in effect.
func (s *Server) persist(key, value string) {
	if s.settings == nil {
		return
	}
	if err := s.settings.Set(key, value); err != nil {
		logger.WithComponent("api").Warn().Err(err).Str("key", key).Msg("Failed to save setting")
	}
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, region.ErrInvalidRegion):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bus.ErrNoFrameYet):
		return http.StatusServiceUnavailable
	case errors.Is(err, loop.ErrStopped),
		errors.Is(err, output.ErrAlreadyRecording),
		errors.Is(err, output.ErrNotRecording):
		return http.StatusConflict
	case errors.Is(err, bus.ErrSubscriberNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.WithComponent("api").Error().Err(err).Msg("Request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// Only serve HTML for root path
	if r.URL.Path == "/" {
		output.ViewerPage("GlassesStreamer", "/stream")(w, r)
		return
	}
	http.NotFound(w, r)
}
