package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/m-lab/go/prometheusx"
	"github.com/robertodauria/httpspeed/client/config"
	"github.com/robertodauria/httpspeed/client/emitter"
	"github.com/robertodauria/httpspeed/internal/metrics"
	"github.com/robertodauria/httpspeed/pkg/speedtest/payload"
	"github.com/robertodauria/httpspeed/pkg/speedtest/results"
	"github.com/robertodauria/httpspeed/pkg/speedtest/sampler"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"go.uber.org/zap"
)

// Version is the symbolic version of the client, set at build time.
var Version = "dev"

var (
	// ErrConfiguration means a subtest could not start because of its
	// configuration (e.g. a malformed URL).
	ErrConfiguration = errors.New("configuration error")

	// ErrTransport means a subtest failed while talking to the server.
	ErrTransport = errors.New("transport error")

	// ErrUnexpectedStatus means the server replied with a non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// State is the state of an Engine.
type State int

const (
	Idle State = iota
	DownloadRunning
	UploadRunning
)

func (s State) String() string {
	switch s {
	case DownloadRunning:
		return "download-running"
	case UploadRunning:
		return "upload-running"
	default:
		return "idle"
	}
}

// Speeds holds the current and final speeds, in Mbit/s, of the most recent
// run.
type Speeds struct {
	DownloadCurrent float64
	UploadCurrent   float64
	DownloadFinal   float64
	UploadFinal     float64
}

// Engine runs download and upload subtests against HTTP endpoints and
// reports progress to an Emitter. An Engine runs at most one test at a time.
type Engine struct {
	httpClient *http.Client
	clock      clockwork.Clock
	emitter    emitter.Emitter
	events     *dispatcher

	mu        sync.Mutex
	state     State
	speeds    Speeds
	collected []byte
	last      results.Summary
	done      chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the Emitter receiving notifications.
func WithEmitter(e emitter.Emitter) Option {
	return func(eng *Engine) {
		if e == nil {
			e = emitter.Funcs{}
		}
		eng.emitter = e
	}
}

// WithHTTPClient sets the HTTP client shared by all subtests.
func WithHTTPClient(c *http.Client) Option {
	return func(eng *Engine) {
		eng.httpClient = c
	}
}

// WithClock sets the clock used to measure elapsed time.
func WithClock(c clockwork.Clock) Option {
	return func(eng *Engine) {
		eng.clock = c
	}
}

func defaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Count bytes as they are on the wire.
	transport.DisableCompression = true
	return &http.Client{Transport: transport}
}

// New creates a new Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		httpClient: defaultHTTPClient(),
		clock:      clockwork.NewRealClock(),
		emitter:    &emitter.LogEmitter{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = newDispatcher(e.emitter)
	return e
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Speeds returns the speeds measured so far.
func (e *Engine) Speeds() Speeds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speeds
}

// RunTest starts a test run with the given configuration and returns
// without waiting for it to complete. It returns false, and does nothing,
// if a run is already in progress. A configuration skipping both subtests
// is accepted and does nothing.
func (e *Engine) RunTest(cfg config.TestConfiguration) bool {
	cfg = cfg.WithDefaults()

	e.mu.Lock()
	if e.state != Idle {
		e.mu.Unlock()
		metrics.Runs.WithLabelValues("rejected").Inc()
		zap.L().Sugar().Debugw("Test already in progress, ignoring request")
		return false
	}
	if cfg.SkipDownload && cfg.SkipUpload {
		e.mu.Unlock()
		metrics.Runs.WithLabelValues("noop").Inc()
		return true
	}
	if cfg.SkipDownload {
		e.state = UploadRunning
	} else {
		e.state = DownloadRunning
	}
	done := make(chan struct{})
	e.done = done
	e.mu.Unlock()

	go e.run(cfg, done)
	return true
}

// Wait blocks until the current run, if any, has completed and all its
// notifications have been delivered. It returns the summary of the most
// recent run.
func (e *Engine) Wait() results.Summary {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
	e.events.wait()
	return e.Last()
}

// Last returns the summary of the most recent completed run.
func (e *Engine) Last() results.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) run(cfg config.TestConfiguration, done chan struct{}) {
	summary := results.Summary{
		MeasurementID:  uuid.NewString(),
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        Version,
		StartTime:      e.clock.Now().UTC(),
	}
	outcome := "ok"
	zap.L().Sugar().Infow("Starting test", "mid", summary.MeasurementID,
		"download", !cfg.SkipDownload, "upload", !cfg.SkipUpload)

	// Whatever happens, go back to Idle so that a later run is possible.
	defer func() {
		summary.EndTime = e.clock.Now().UTC()
		e.mu.Lock()
		e.state = Idle
		e.last = summary
		e.done = nil
		e.mu.Unlock()
		close(done)
		metrics.Runs.WithLabelValues(outcome).Inc()
		zap.L().Sugar().Infow("Test finished", "mid", summary.MeasurementID, "result", outcome)
	}()

	if !cfg.SkipDownload {
		res, err := e.download(cfg)
		summary.Download = res
		if err != nil {
			// A failed download is terminal: the upload would run with
			// partial data.
			outcome = "failed"
			return
		}
		if cfg.SkipUpload {
			return
		}
		e.setState(UploadRunning)
	}

	res, err := e.upload(cfg, e.uploadPayload(cfg))
	summary.Upload = res
	if err != nil {
		outcome = "failed"
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// uploadPayload picks the data to upload: the configured payload, else the
// data collected during the last download, else the embedded asset.
func (e *Engine) uploadPayload(cfg config.TestConfiguration) *payload.Payload {
	if cfg.Payload.Len() > 0 {
		return cfg.Payload
	}
	e.mu.Lock()
	collected := e.collected
	e.mu.Unlock()
	if len(collected) > 0 {
		return payload.FromBytes(collected)
	}
	return payload.Fallback()
}

func (e *Engine) download(cfg config.TestConfiguration) (*results.PhaseResult, error) {
	kind := spec.SubtestDownload
	res := &results.PhaseResult{
		Kind:      kind,
		URL:       cfg.DownloadURL,
		StartTime: e.clock.Now().UTC(),
	}
	e.mu.Lock()
	e.speeds.DownloadCurrent, e.speeds.DownloadFinal = 0, 0
	e.mu.Unlock()

	u, err := cfg.URL(kind)
	if err != nil {
		return res, e.fail(res, kind, fmt.Errorf("%w: %w", ErrConfiguration, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return res, e.fail(res, kind, fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	req.Header.Set("Cache-Control", "no-cache")

	s := sampler.New(e.clock)
	s.Start()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return res, e.fail(res, kind, fmt.Errorf("%w: %w", ErrTransport, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, e.fail(res, kind, fmt.Errorf("%w: %w: %d", ErrTransport, ErrUnexpectedStatus, resp.StatusCode))
	}

	limit := cfg.MaxCollectedBytes
	collected := make([]byte, 0, initialCapacity(resp.ContentLength, limit))
	rec := newRecorder(e.clock)
	buf := make([]byte, spec.ReadBufferSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			speed := s.OnBytes(n)
			if room := limit - int64(len(collected)); room > 0 {
				collected = append(collected, buf[:min(int64(n), room)]...)
			}
			e.mu.Lock()
			e.speeds.DownloadCurrent = speed
			e.mu.Unlock()
			rec.maybeRecord(res, s)
			e.events.push(func(em emitter.Emitter) { em.OnDownloadSpeedChanged(speed) })
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.NumBytes = s.NumBytes()
			return res, e.fail(res, kind, fmt.Errorf("%w: %w", ErrTransport, err))
		}
	}

	final := s.Finalize()
	e.complete(res, s, final)
	e.mu.Lock()
	e.speeds.DownloadFinal = final
	e.collected = collected
	e.mu.Unlock()
	e.events.push(func(em emitter.Emitter) { em.OnDownloadTestFinished(final) })
	return res, nil
}

func (e *Engine) upload(cfg config.TestConfiguration, p *payload.Payload) (*results.PhaseResult, error) {
	kind := spec.SubtestUpload
	res := &results.PhaseResult{
		Kind:      kind,
		URL:       cfg.UploadURL,
		StartTime: e.clock.Now().UTC(),
	}
	e.mu.Lock()
	e.speeds.UploadCurrent, e.speeds.UploadFinal = 0, 0
	e.mu.Unlock()

	u, err := cfg.URL(kind)
	if err != nil {
		return res, e.fail(res, kind, fmt.Errorf("%w: %w", ErrConfiguration, err))
	}

	body, headers := p.Body()
	s := sampler.New(e.clock)
	rec := newRecorder(e.clock)
	reader := &progressReader{
		r:         bytes.NewReader(body),
		chunkSize: spec.UploadChunkSize,
		onRead: func(n int) {
			speed := s.OnBytes(n)
			e.mu.Lock()
			e.speeds.UploadCurrent = speed
			e.mu.Unlock()
			rec.maybeRecord(res, s)
			e.events.push(func(em emitter.Emitter) { em.OnUploadSpeedChanged(speed) })
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), reader)
	if err != nil {
		return res, e.fail(res, kind, fmt.Errorf("%w: %w", ErrConfiguration, err))
	}
	req.ContentLength = int64(len(body))
	req.Header = headers.Clone()
	req.Header.Set("Cache-Control", "no-cache")

	zap.L().Sugar().Debugw("Uploading payload", "url", u.String(),
		"bytes", p.Len(), "mime", p.MIMEType)
	s.Start()
	resp, err := e.httpClient.Do(req)
	// The transport may still hold the body; ignore any further reads.
	reader.stop()
	if err != nil {
		res.NumBytes = s.NumBytes()
		return res, e.fail(res, kind, fmt.Errorf("%w: %w", ErrTransport, err))
	}
	_, copyErr := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		res.NumBytes = s.NumBytes()
		return res, e.fail(res, kind, fmt.Errorf("%w: %w: %d", ErrTransport, ErrUnexpectedStatus, resp.StatusCode))
	}
	if copyErr != nil {
		res.NumBytes = s.NumBytes()
		return res, e.fail(res, kind, fmt.Errorf("%w: %w", ErrTransport, copyErr))
	}

	final := s.Finalize()
	e.complete(res, s, final)
	e.mu.Lock()
	e.speeds.UploadFinal = final
	e.mu.Unlock()
	e.events.push(func(em emitter.Emitter) { em.OnUploadTestFinished(final) })
	return res, nil
}

func (e *Engine) complete(res *results.PhaseResult, s *sampler.Sampler, final float64) {
	res.EndTime = e.clock.Now().UTC()
	res.NumBytes = s.NumBytes()
	res.FinalMbps = final
	res.Measurements = append(res.Measurements, s.Measurement())
	metrics.SubtestSpeed.WithLabelValues(string(res.Kind)).Observe(final)
	metrics.SubtestDuration.WithLabelValues(string(res.Kind)).Observe(res.EndTime.Sub(res.StartTime).Seconds())
	zap.L().Sugar().Infow("Subtest completed", "kind", res.Kind,
		"bytes", res.NumBytes, "mbps", final)
}

// fail records err in res and notifies the emitter.
func (e *Engine) fail(res *results.PhaseResult, kind spec.SubtestKind, err error) error {
	res.EndTime = e.clock.Now().UTC()
	res.Error = err.Error()
	metrics.SubtestErrors.WithLabelValues(string(kind), errorType(err)).Inc()
	metrics.SubtestDuration.WithLabelValues(string(kind)).Observe(res.EndTime.Sub(res.StartTime).Seconds())
	zap.L().Sugar().Warnw("Subtest failed", "kind", kind, "url", res.URL, "error", err)
	e.events.push(func(em emitter.Emitter) { em.OnError(kind, err) })
	return err
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUnexpectedStatus):
		return "status"
	default:
		return "transport"
	}
}

func initialCapacity(contentLength, limit int64) int64 {
	if contentLength <= 0 {
		return 0
	}
	return min(contentLength, limit)
}

// recorder appends a measurement to a PhaseResult at most once per
// spec.AvgMeasureInterval.
type recorder struct {
	clock clockwork.Clock
	next  time.Time
}

func newRecorder(clock clockwork.Clock) *recorder {
	return &recorder{clock: clock}
}

func (r *recorder) maybeRecord(res *results.PhaseResult, s *sampler.Sampler) {
	now := r.clock.Now()
	if now.Before(r.next) {
		return
	}
	r.next = now.Add(spec.AvgMeasureInterval)
	res.Measurements = append(res.Measurements, s.Measurement())
}

// progressReader reads from r in chunks of at most chunkSize bytes and calls
// onRead after every read, until stop is called.
type progressReader struct {
	r         io.Reader
	chunkSize int
	onRead    func(n int)

	mu      sync.Mutex
	stopped bool
}

func (p *progressReader) Read(b []byte) (int, error) {
	if len(b) > p.chunkSize {
		b = b[:p.chunkSize]
	}
	n, err := p.r.Read(b)
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 && !p.stopped {
		p.onRead(n)
	}
	return n, err
}

func (p *progressReader) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}
