package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/GlassesStreamer/internal/bus"
	"github.com/bryanchriswhite/GlassesStreamer/internal/frame"
	"github.com/bryanchriswhite/GlassesStreamer/internal/logger"
)

const maxResultBody = 1 << 20

// Result is what a processor returned for one frame.
type Result struct {
	Seq         uint64          `json:"seq"`
	ProcessedAt time.Time       `json:"processed_at"`
	LatencyMS   int64           `json:"latency_ms"`
	ContentType string          `json:"content_type,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Text        string          `json:"text,omitempty"`
}

// Processor analyses a single frame, for example by calling a model.
type Processor interface {
	Process(ctx context.Context, f *frame.Stream) (Result, error)
}

// HTTPProcessor posts each frame as a JPEG to URL and returns the response.
type HTTPProcessor struct {
	URL     string
	Quality int
	Client  *http.Client
}

// NewHTTPProcessor creates a processor posting to url.
func NewHTTPProcessor(url string, quality int) *HTTPProcessor {
	return &HTTPProcessor{URL: url, Quality: quality, Client: &http.Client{}}
}

func (p *HTTPProcessor) Process(ctx context.Context, f *frame.Stream) (Result, error) {
	data, err := EncodeJPEG(f.Image, p.Quality)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Sequence", fmt.Sprint(f.Seq))
	req.Header.Set("X-Region", f.Rect.String())
	req.Header.Set("X-Timestamp", f.Timestamp.Format(time.RFC3339Nano))

	start := time.Now()
	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("processing request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read processing response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("processing endpoint returned %s", resp.Status)
	}

	res := Result{
		Seq:         f.Seq,
		ProcessedAt: time.Now(),
		LatencyMS:   time.Since(start).Milliseconds(),
		ContentType: resp.Header.Get("Content-Type"),
	}
	if json.Valid(body) {
		res.Body = body
	} else {
		res.Text = string(body)
	}
	return res, nil
}

// ProcessingStats reports the sink's progress.
type ProcessingStats struct {
	Processed uint64  `json:"processed"`
	Failed    uint64  `json:"failed"`
	Skipped   uint64  `json:"skipped"`
	Last      *Result `json:"last,omitempty"`
	LastError string  `json:"last_error,omitempty"`
}

// ProcessingSink runs a Processor on the newest frame whenever the previous
// call has finished. Frames published while a call is in flight are
// skipped; processor errors are counted and never end the subscription.
type ProcessingSink struct {
	proc    Processor
	timeout time.Duration
	ctx     context.Context

	mu            sync.Mutex
	stats         ProcessingStats
	lastDelivered uint64
}

// NewProcessingSink wraps proc. timeout bounds each call.
func NewProcessingSink(proc Processor, timeout time.Duration) *ProcessingSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProcessingSink{proc: proc, timeout: timeout, ctx: context.Background()}
}

// Run subscribes with a one-frame mailbox and processes until ctx is done.
func (p *ProcessingSink) Run(ctx context.Context, b *bus.Bus) error {
	p.ctx = ctx
	return Run(ctx, b, p, bus.WithMailbox(1))
}

func (p *ProcessingSink) Name() string { return "processor" }

func (p *ProcessingSink) Start() error { return nil }

func (p *ProcessingSink) Stop() error { return nil }

func (p *ProcessingSink) WriteFrame(f *frame.Stream) error {
	p.mu.Lock()
	if p.lastDelivered != 0 && f.Seq > p.lastDelivered+1 {
		p.stats.Skipped += f.Seq - p.lastDelivered - 1
	}
	p.lastDelivered = f.Seq
	p.mu.Unlock()

	if _, err := p.Once(p.ctx, f); err != nil {
		logger.WithComponent("processor").Warn().Err(err).Uint64("seq", f.Seq).Msg("Frame processing failed")
	}
	return nil
}

// Once processes a single frame outside the subscription, as used for
// on-demand requests.
func (p *ProcessingSink) Once(ctx context.Context, f *frame.Stream) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	res, err := p.proc.Process(ctx, f)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.stats.Failed++
		p.stats.LastError = err.Error()
		return Result{}, err
	}
	p.stats.Processed++
	p.stats.LastError = ""
	p.stats.Last = &res
	return res, nil
}

// Stats returns a copy of the counters.
func (p *ProcessingSink) Stats() ProcessingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stats
	if st.Last != nil {
		last := *st.Last
		st.Last = &last
	}
	return st
}
