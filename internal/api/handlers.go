package api

import (
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
	"github.com/bryanchriswhite/GlassesStreamer/internal/loop"
	"github.com/bryanchriswhite/GlassesStreamer/internal/output"
	"github.com/bryanchriswhite/GlassesStreamer/internal/overlay"
	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
)

// statusPushInterval refreshes drop counters between state changes.
const statusPushInterval = time.Second

type statusResponse struct {
	loop.Status
	Step       string                  `json:"step"`
	Overlay    overlay.Mode            `json:"overlay"`
	Viewers    int                     `json:"viewers"`
	Served     uint64                  `json:"frames_served"`
	Recording  *output.Recording       `json:"recording,omitempty"`
	Processing *output.ProcessingStats `json:"processing,omitempty"`
}

func (s *Server) status(st loop.Status) statusResponse {
	resp := statusResponse{
		Status:  st,
		Step:    s.currentStep().String(),
		Overlay: s.overlay.Mode(),
		Viewers: s.live.Clients() + s.control.Clients() + s.ws.Clients(),
		Served:  s.live.Frames() + s.control.Frames(),
	}
	if s.recorder != nil {
		if rec, ok := s.recorder.Status(); ok {
			resp.Recording = &rec
		}
	}
	if s.processor != nil {
		stats := s.processor.Stats()
		resp.Processing = &stats
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"state":   s.loop.State().String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status(s.loop.Status()))
}

// handleStatusStream pushes the status on every state change, on every
// region change and once per second in between.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, stop := s.loop.Watch()
	defer stop()

	var regions chan region.Config
	if s.store != nil {
		regions = s.store.Subscribe()
		defer s.store.Unsubscribe(regions)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(st loop.Status) bool {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(s.status(st)); err != nil {
			log.Debug().Err(err).Msg("Status stream write failed")
			return false
		}
		return true
	}

	if !send(s.loop.Status()) {
		return
	}

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case st, ok := <-updates:
			if !ok || !send(st) {
				return
			}
		case <-regions:
			if !send(s.loop.Status()) {
				return
			}
		case <-ticker.C:
			if !send(s.loop.Status()) {
				return
			}
		}
	}
}

func (s *Server) handleGetRegion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.loop.Region())
}

func (s *Server) handleSetRegion(w http.ResponseWriter, r *http.Request) {
	var rect region.Rectangle
	if err := json.NewDecoder(r.Body).Decode(&rect); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg, err := s.loop.Set(rect)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DX   int    `json:"dx"`
		DY   int    `json:"dy"`
		Step string `json:"step"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		cfg region.Config
		err error
	)
	if req.Step == "" {
		cfg, err = s.loop.Nudge(req.DX, req.DY)
	} else {
		step, parseErr := region.ParseStep(req.Step)
		if parseErr != nil {
			http.Error(w, parseErr.Error(), http.StatusBadRequest)
			return
		}
		s.setStep(step)
		cfg, err = s.loop.NudgeStep(req.DX, req.DY, step)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DW int `json:"dw"`
		DH int `json:"dh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg, err := s.loop.Resize(req.DW, req.DH)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loop.Reset()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handleSnapshot returns the latest frame as JPEG (default) or PNG.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format != "" && format != "jpeg" && format != "jpg" && format != "png" {
		http.Error(w, fmt.Sprintf("unsupported format %q", format), http.StatusBadRequest)
		return
	}

	f, err := s.bus.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Sequence", strconv.FormatUint(f.Seq, 10))
	w.Header().Set("X-Region-Version", strconv.FormatUint(f.RegionVersion, 10))
	w.Header().Set("Cache-Control", "no-store")

	if format == "png" {
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, f.Image); err != nil {
			logger.WithComponent("api").Warn().Err(err).Msg("Failed to write PNG snapshot")
		}
		return
	}

	data, err := output.EncodeJPEG(f.Image, s.quality)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "recording disabled", http.StatusNotFound)
		return
	}
	rec, ok := s.recorder.Status()
	if !ok {
		http.Error(w, "no recording", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "recording disabled", http.StatusNotFound)
		return
	}
	rec, err := s.recorder.Start()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "recording disabled", http.StatusNotFound)
		return
	}
	rec, err := s.recorder.Stop()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleProcess runs the processor once on the current snapshot.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		http.Error(w, "processing disabled", http.StatusNotFound)
		return
	}
	f, err := s.bus.Snapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.processor.Once(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type overlayResponse struct {
	Mode overlay.Mode `json:"mode"`
}

func (s *Server) handleGetOverlay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, overlayResponse{Mode: s.overlay.Mode()})
}

func (s *Server) handleSetOverlay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := overlay.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.setOverlay(mode)
	writeJSON(w, http.StatusOK, overlayResponse{Mode: mode})
}

func (s *Server) handleCycleOverlay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, overlayResponse{Mode: s.cycleOverlay()})
}
