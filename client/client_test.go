package client

import (
	"bytes"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robertodauria/httpspeed/client/config"
	"github.com/robertodauria/httpspeed/pkg/speedtest/payload"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// event is a notification received by testEmitter.
type event struct {
	name string
	mbit float64
	kind spec.SubtestKind
	err  error
}

type testEmitter struct {
	mu     sync.Mutex
	events []event
}

func (t *testEmitter) add(ev event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, ev)
}

func (t *testEmitter) OnDownloadSpeedChanged(mbit float64) {
	t.add(event{name: "download-speed", mbit: mbit})
}
func (t *testEmitter) OnUploadSpeedChanged(mbit float64) {
	t.add(event{name: "upload-speed", mbit: mbit})
}
func (t *testEmitter) OnDownloadTestFinished(mbit float64) {
	t.add(event{name: "download-done", mbit: mbit})
}
func (t *testEmitter) OnUploadTestFinished(mbit float64) {
	t.add(event{name: "upload-done", mbit: mbit})
}
func (t *testEmitter) OnError(kind spec.SubtestKind, err error) {
	t.add(event{name: "error", kind: kind, err: err})
}

func (t *testEmitter) all() []event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]event(nil), t.events...)
}

func (t *testEmitter) count(name string) int {
	n := 0
	for _, ev := range t.all() {
		if ev.name == name {
			n++
		}
	}
	return n
}

func (t *testEmitter) last(name string) (event, bool) {
	evs := t.all()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].name == name {
			return evs[i], true
		}
	}
	return event{}, false
}

// names returns the sequence of event names with consecutive duplicates
// collapsed.
func (t *testEmitter) names() []string {
	var out []string
	for _, ev := range t.all() {
		if len(out) == 0 || out[len(out)-1] != ev.name {
			out = append(out, ev.name)
		}
	}
	return out
}

// uploadSink records the multipart uploads it receives.
type uploadSink struct {
	mu       sync.Mutex
	data     [][]byte
	mimeType string
}

func (u *uploadSink) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	mr, err := req.MultipartReader()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	part, err := mr.NextPart()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(part)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	u.mu.Lock()
	u.data = append(u.data, data)
	u.mimeType = part.Header.Get("Content-Type")
	u.mu.Unlock()
	rw.WriteHeader(http.StatusOK)
}

func (u *uploadSink) received() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data
}

func newTestServer(t *testing.T, downloadSize int) (*httptest.Server, *uploadSink) {
	t.Helper()
	sink := &uploadSink{}
	data := bytes.Repeat([]byte("0123456789abcdef"), downloadSize/16+1)[:downloadSize]
	mux := http.NewServeMux()
	mux.HandleFunc(spec.DownloadPath, func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Length", strconv.Itoa(len(data)))
		rw.Write(data)
	})
	mux.Handle(spec.UploadPath, sink)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, sink
}

func testConfig(srv *httptest.Server) config.TestConfiguration {
	return config.New(srv.URL+spec.DownloadPath, srv.URL+spec.UploadPath)
}

func TestEngine_FullRun(t *testing.T) {
	srv, sink := newTestServer(t, 1<<20)
	em := &testEmitter{}
	e := New(WithEmitter(em))

	require.True(t, e.RunTest(testConfig(srv)))
	summary := e.Wait()

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, []string{"download-speed", "download-done", "upload-speed", "upload-done"}, em.names())
	assert.Equal(t, 1, em.count("download-done"))
	assert.Equal(t, 1, em.count("upload-done"))
	assert.Zero(t, em.count("error"))

	// The downloaded bytes are uploaded.
	received := sink.received()
	require.Len(t, received, 1)
	assert.Len(t, received[0], 1<<20)
	assert.Equal(t, spec.PayloadMIMEType, sink.mimeType)

	require.NotNil(t, summary.Download)
	require.NotNil(t, summary.Upload)
	assert.NotEmpty(t, summary.MeasurementID)
	assert.Equal(t, int64(1<<20), summary.Download.NumBytes)
	assert.False(t, summary.Download.Failed())
	assert.False(t, summary.Upload.Failed())
	assert.Greater(t, summary.Upload.NumBytes, int64(1<<20))
	assert.NotEmpty(t, summary.Download.Measurements)

	// Final speeds are the last current speeds.
	lastDown, _ := em.last("download-speed")
	doneDown, _ := em.last("download-done")
	assert.Equal(t, lastDown.mbit, doneDown.mbit)
	speeds := e.Speeds()
	assert.Equal(t, doneDown.mbit, speeds.DownloadFinal)
	doneUp, _ := em.last("upload-done")
	assert.Equal(t, doneUp.mbit, speeds.UploadFinal)
}

func TestEngine_BothSkipped(t *testing.T) {
	em := &testEmitter{}
	e := New(WithEmitter(em))
	cfg := config.NewDefault()
	cfg.SkipDownload = true
	cfg.SkipUpload = true

	assert.True(t, e.RunTest(cfg))
	assert.Equal(t, Idle, e.State())
	e.Wait()
	assert.Empty(t, em.all())
}

func TestEngine_DownloadOnly(t *testing.T) {
	srv, sink := newTestServer(t, 100_000)
	em := &testEmitter{}
	e := New(WithEmitter(em))
	cfg := testConfig(srv)
	cfg.SkipUpload = true

	require.True(t, e.RunTest(cfg))
	summary := e.Wait()

	assert.Equal(t, 1, em.count("download-done"))
	assert.Zero(t, em.count("upload-speed"))
	assert.Zero(t, em.count("upload-done"))
	assert.Empty(t, sink.received())
	assert.Nil(t, summary.Upload)
}

func TestEngine_UploadOnlyUsesFallback(t *testing.T) {
	srv, sink := newTestServer(t, 100)
	em := &testEmitter{}
	e := New(WithEmitter(em))
	cfg := testConfig(srv)
	cfg.SkipDownload = true

	require.True(t, e.RunTest(cfg))
	e.Wait()

	assert.Zero(t, em.count("download-speed"))
	assert.Equal(t, 1, em.count("upload-done"))
	received := sink.received()
	require.Len(t, received, 1)
	assert.Equal(t, payload.Fallback().Data, received[0])
}

func TestEngine_UploadOnlyReusesPriorDownload(t *testing.T) {
	srv, sink := newTestServer(t, 4096)
	e := New(WithEmitter(&testEmitter{}))

	cfg := testConfig(srv)
	cfg.SkipUpload = true
	require.True(t, e.RunTest(cfg))
	e.Wait()

	cfg = testConfig(srv)
	cfg.SkipDownload = true
	require.True(t, e.RunTest(cfg))
	e.Wait()

	received := sink.received()
	require.Len(t, received, 1)
	assert.Len(t, received[0], 4096)
}

func TestEngine_ExplicitPayload(t *testing.T) {
	srv, sink := newTestServer(t, 4096)
	e := New(WithEmitter(&testEmitter{}))
	cfg := testConfig(srv)
	cfg.Payload = &payload.Payload{Name: "testdata", MIMEType: "text/plain", Data: []byte("hello")}

	require.True(t, e.RunTest(cfg))
	e.Wait()

	received := sink.received()
	require.Len(t, received, 1)
	assert.Equal(t, []byte("hello"), received[0])
	assert.Equal(t, "text/plain", sink.mimeType)
}

func TestEngine_CollectedBytesCap(t *testing.T) {
	srv, sink := newTestServer(t, 10_000)
	e := New(WithEmitter(&testEmitter{}))
	cfg := testConfig(srv)
	cfg.MaxCollectedBytes = 1000

	require.True(t, e.RunTest(cfg))
	summary := e.Wait()

	assert.Equal(t, int64(10_000), summary.Download.NumBytes)
	received := sink.received()
	require.Len(t, received, 1)
	assert.Len(t, received[0], 1000)
}

func TestEngine_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		rw.Write([]byte("first chunk"))
		rw.(http.Flusher).Flush()
		close(started)
		<-release
	}))
	defer srv.Close()

	em := &testEmitter{}
	e := New(WithEmitter(em))
	cfg := config.New(srv.URL, srv.URL)
	cfg.SkipUpload = true

	require.True(t, e.RunTest(cfg))
	assert.False(t, e.RunTest(cfg))
	<-started
	assert.Equal(t, DownloadRunning, e.State())
	assert.False(t, e.RunTest(cfg))
	close(release)
	e.Wait()

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 1, em.count("download-done"))
	mu.Lock()
	assert.Equal(t, 1, requests)
	mu.Unlock()
}

func TestEngine_ConcurrentRunTest(t *testing.T) {
	srv, _ := newTestServer(t, 1000)
	em := &testEmitter{}
	e := New(WithEmitter(em))
	cfg := testConfig(srv)
	cfg.SkipUpload = true

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if e.RunTest(cfg) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	e.Wait()

	// Runs may complete between calls, but each accepted run produced
	// exactly one result.
	assert.GreaterOrEqual(t, accepted, 1)
	assert.Equal(t, accepted, em.count("download-done"))
}

func TestEngine_DownloadFailureIsTerminal(t *testing.T) {
	sink := &uploadSink{}
	mux := http.NewServeMux()
	mux.HandleFunc(spec.DownloadPath, func(rw http.ResponseWriter, req *http.Request) {
		http.Error(rw, "nope", http.StatusInternalServerError)
	})
	mux.Handle(spec.UploadPath, sink)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	em := &testEmitter{}
	e := New(WithEmitter(em))
	require.True(t, e.RunTest(testConfig(srv)))
	summary := e.Wait()

	assert.Equal(t, Idle, e.State())
	assert.Equal(t, []string{"error"}, em.names())
	ev, _ := em.last("error")
	assert.Equal(t, spec.SubtestDownload, ev.kind)
	assert.ErrorIs(t, ev.err, ErrTransport)
	assert.ErrorIs(t, ev.err, ErrUnexpectedStatus)
	assert.Empty(t, sink.received())
	assert.True(t, summary.Download.Failed())
	assert.Nil(t, summary.Upload)

	// The engine can run again.
	assert.True(t, e.RunTest(testConfig(srv)))
	e.Wait()
}

func TestEngine_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	em := &testEmitter{}
	e := New(WithEmitter(em))
	cfg := config.New(url, url)
	cfg.SkipDownload = true
	require.True(t, e.RunTest(cfg))
	e.Wait()

	assert.Equal(t, []string{"error"}, em.names())
	ev, _ := em.last("error")
	assert.Equal(t, spec.SubtestUpload, ev.kind)
	assert.ErrorIs(t, ev.err, ErrTransport)
	assert.Equal(t, Idle, e.State())
}

func TestEngine_InvalidURL(t *testing.T) {
	em := &testEmitter{}
	e := New(WithEmitter(em))
	cfg := config.New("not a url", "ftp://example.com")

	require.True(t, e.RunTest(cfg))
	e.Wait()

	ev, ok := em.last("error")
	require.True(t, ok)
	assert.Equal(t, spec.SubtestDownload, ev.kind)
	assert.ErrorIs(t, ev.err, ErrConfiguration)
	assert.ErrorIs(t, ev.err, config.ErrInvalidURL)
	assert.Equal(t, 1, em.count("error"))
	assert.Equal(t, Idle, e.State())
}

func TestEngine_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Write([]byte("slow"))
		rw.(http.Flusher).Flush()
		select {
		case <-release:
		case <-req.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	em := &testEmitter{}
	e := New(WithEmitter(em))
	cfg := config.New(srv.URL, srv.URL)
	cfg.Timeout = 200 * time.Millisecond

	require.True(t, e.RunTest(cfg))
	e.Wait()

	assert.Equal(t, Idle, e.State())
	assert.Zero(t, em.count("download-done"))
	ev, ok := em.last("error")
	require.True(t, ok)
	assert.ErrorIs(t, ev.err, ErrTransport)
}

func TestEngine_PanickingEmitter(t *testing.T) {
	srv, sink := newTestServer(t, 10_000)
	em := &testEmitter{}
	e := New(WithEmitter(panicEmitter{em}))

	require.True(t, e.RunTest(testConfig(srv)))
	e.Wait()

	assert.Equal(t, Idle, e.State())
	assert.Len(t, sink.received(), 1)
	assert.Equal(t, 1, em.count("upload-done"))
}

// panicEmitter panics on every speed update.
type panicEmitter struct {
	*testEmitter
}

func (p panicEmitter) OnDownloadSpeedChanged(float64) { panic("detached") }
func (p panicEmitter) OnUploadSpeedChanged(float64)   { panic("detached") }

// fakeTransport serves requests in memory, advancing a fake clock as the
// body is transferred so that the whole transfer takes duration.
type fakeTransport struct {
	clock    *clockwork.FakeClock
	size     int
	duration time.Duration
	uploaded []byte
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		defer req.Body.Close()
	}
	if req.Method == http.MethodPost {
		body, err := f.readBody(req.Body, int(req.ContentLength))
		if err != nil {
			return nil, err
		}
		f.uploaded = body
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    req,
		}, nil
	}
	return &http.Response{
		StatusCode:    http.StatusOK,
		ContentLength: int64(f.size),
		Body: io.NopCloser(&clockReader{
			r:       bytes.NewReader(make([]byte, f.size)),
			clock:   f.clock,
			perByte: f.duration / time.Duration(f.size),
		}),
		Request: req,
	}, nil
}

// readBody reads body in chunks of spec.UploadChunkSize, advancing the
// clock before each read so that the sample taken during the read sees the
// time spent transferring the chunk.
func (f *fakeTransport) readBody(body io.Reader, size int) ([]byte, error) {
	perByte := f.duration / time.Duration(size)
	out := make([]byte, 0, size)
	buf := make([]byte, spec.UploadChunkSize)
	for {
		f.clock.Advance(time.Duration(min(len(buf), size-len(out))) * perByte)
		n, err := body.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

type clockReader struct {
	r       io.Reader
	clock   *clockwork.FakeClock
	perByte time.Duration
}

func (c *clockReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.clock.Advance(time.Duration(n) * c.perByte)
	return n, err
}

func TestEngine_DownloadSpeed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{clock: clock, size: 10_000_000, duration: 2 * time.Second}
	em := &testEmitter{}
	e := New(
		WithEmitter(em),
		WithClock(clock),
		WithHTTPClient(&http.Client{Transport: transport}),
	)
	cfg := config.NewDefault()
	cfg.SkipUpload = true

	require.True(t, e.RunTest(cfg))
	e.Wait()

	done, ok := em.last("download-done")
	require.True(t, ok)
	assert.InDelta(t, 40.0, done.mbit, 0.01)
	// One speed update per chunk read.
	assert.GreaterOrEqual(t, em.count("download-speed"), 10_000_000/spec.ReadBufferSize)
}

func TestEngine_UploadSpeed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{clock: clock, duration: time.Second}
	em := &testEmitter{}
	e := New(
		WithEmitter(em),
		WithClock(clock),
		WithHTTPClient(&http.Client{Transport: transport}),
	)
	cfg := config.NewDefault()
	cfg.SkipDownload = true
	cfg.Payload = payload.FromBytes(make([]byte, 500_000))

	require.True(t, e.RunTest(cfg))
	e.Wait()

	done, ok := em.last("upload-done")
	require.True(t, ok)
	// The multipart framing adds a few hundred bytes to the payload.
	assert.InDelta(t, 4.0, done.mbit, 0.05)
	assert.GreaterOrEqual(t, em.count("upload-speed"), 500_000/spec.UploadChunkSize)

	// The uploaded body is a valid multipart body carrying the payload.
	part, err := multipart.NewReader(bytes.NewReader(transport.uploaded), boundaryOf(t, transport.uploaded)).NextPart()
	require.NoError(t, err)
	data, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Len(t, data, 500_000)
}

// boundaryOf extracts the boundary from the first line of a multipart body.
func boundaryOf(t *testing.T, body []byte) string {
	t.Helper()
	line, _, ok := bytes.Cut(body, []byte("\r\n"))
	require.True(t, ok)
	require.True(t, bytes.HasPrefix(line, []byte("--")))
	return string(line[2:])
}

func TestEngine_EventOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	transport := &fakeTransport{clock: clock, size: 1_000_000, duration: time.Second}
	em := &testEmitter{}
	e := New(
		WithEmitter(em),
		WithClock(clock),
		WithHTTPClient(&http.Client{Transport: transport}),
	)

	require.True(t, e.RunTest(config.NewDefault()))
	e.Wait()

	assert.Equal(t, []string{"download-speed", "download-done", "upload-speed", "upload-done"}, em.names())
	// The downloaded megabyte was uploaded, plus the multipart framing.
	assert.Greater(t, len(transport.uploaded), 1_000_000)
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "configuration", errorType(ErrConfiguration))
	assert.Equal(t, "status", errorType(ErrUnexpectedStatus))
	assert.Equal(t, "transport", errorType(errors.New("boom")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "download-running", DownloadRunning.String())
	assert.Equal(t, "upload-running", UploadRunning.String())
}
