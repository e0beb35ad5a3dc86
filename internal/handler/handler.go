package handler

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/warnonerror"
	connuuid "github.com/m-lab/uuid"
	"github.com/robertodauria/httpspeed/internal/metrics"
	"github.com/robertodauria/httpspeed/internal/persistence"
	"github.com/robertodauria/httpspeed/pkg/speedtest/results"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
	"github.com/robertodauria/httpspeed/pkg/speedtest/units"
	"go.uber.org/zap"
)

// chunkSize is the size of each write of the download body.
const chunkSize = 1 << 16

var errBadRequest = errors.New("bad request")

type connKey struct{}

// ConnContext stores the accepted connection in the request context, so
// that results can be tagged with a connection UUID. It is meant to be used
// as http.Server.ConnContext.
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

// connectionUUID returns the socket-cookie based UUID of the connection
// serving req. If not available, a random UUID is returned.
func connectionUUID(req *http.Request) string {
	if tcpconn, ok := req.Context().Value(connKey{}).(*net.TCPConn); ok {
		cookie, err := socketCookie(tcpconn)
		if err == nil {
			return connuuid.FromCookie(cookie)
		}
		zap.L().Sugar().Debugw("Cannot get connection UUID", "error", err)
	}
	return uuid.NewString()
}

// UploadResponse is the JSON body sent back after an upload.
type UploadResponse struct {
	Bytes    int64  `json:"bytes"`
	MIMEType string `json:"mime"`
}

// Handler serves the download and upload subtests.
type Handler struct {
	dataDir string
	payload []byte
}

// New creates a new Handler. Results are written under dataDir, unless it
// is empty.
func New(dataDir string) *Handler {
	data := make([]byte, chunkSize)
	// Random data so the transfer cannot be compressed along the way.
	if _, err := rand.Read(data); err != nil {
		zap.L().Sugar().Warnw("Cannot generate random payload, using zeroes", "error", err)
	}
	return &Handler{
		dataDir: dataDir,
		payload: data,
	}
}

// writeBadRequest sends a Bad Request response to the client using writer.
func writeBadRequest(writer http.ResponseWriter) {
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

// Download handles the download subtest. The number of bytes to send is
// read from the "bytes" query parameter.
func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	kind := spec.SubtestDownload
	size, err := downloadSize(req)
	if err != nil {
		zap.L().Sugar().Infow("Invalid download request",
			"url", req.URL.String(),
			"client", req.RemoteAddr,
			"error", err)
		metrics.ServerRequests.WithLabelValues(string(kind), "bad-request").Inc()
		writeBadRequest(rw)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), spec.MaxRuntime)
	defer cancel()
	data := h.createResult(req, kind)
	defer h.writeResult(data)

	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(http.StatusOK)

	m, err := newMeter(ctx, data)
	if err != nil {
		zap.L().Sugar().Errorw("Cannot create ticker", "error", err)
		return
	}
	defer m.stop()

	var sent int64
	for sent < size {
		if ctx.Err() != nil {
			zap.L().Sugar().Debugw("Download reached max runtime", "uuid", data.UUID, "sent", sent)
			metrics.ServerRequests.WithLabelValues(string(kind), "timeout").Inc()
			return
		}
		n := min(int64(len(h.payload)), size-sent)
		w, err := rw.Write(h.payload[:n])
		sent += int64(w)
		m.count(w)
		if err != nil {
			zap.L().Sugar().Debugw("Download interrupted", "uuid", data.UUID, "sent", sent, "error", err)
			metrics.ServerRequests.WithLabelValues(string(kind), "interrupted").Inc()
			return
		}
	}
	metrics.ServerRequests.WithLabelValues(string(kind), "ok").Inc()
}

// Upload handles the upload subtest. The request must carry a
// multipart/form-data body; the first part is read and discarded.
func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	kind := spec.SubtestUpload
	if req.Method != http.MethodPost {
		metrics.ServerRequests.WithLabelValues(string(kind), "bad-request").Inc()
		rw.Header().Set("Allow", http.MethodPost)
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	mr, err := req.MultipartReader()
	if err != nil {
		zap.L().Sugar().Infow("Upload without multipart body",
			"client", req.RemoteAddr, "error", err)
		metrics.ServerRequests.WithLabelValues(string(kind), "bad-request").Inc()
		writeBadRequest(rw)
		return
	}
	part, err := mr.NextPart()
	if err != nil {
		zap.L().Sugar().Infow("Cannot read multipart body",
			"client", req.RemoteAddr, "error", err)
		metrics.ServerRequests.WithLabelValues(string(kind), "bad-request").Inc()
		writeBadRequest(rw)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), spec.MaxRuntime)
	defer cancel()
	data := h.createResult(req, kind)
	data.MIMEType = part.Header.Get("Content-Type")
	defer h.writeResult(data)

	m, err := newMeter(ctx, data)
	if err != nil {
		zap.L().Sugar().Errorw("Cannot create ticker", "error", err)
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer m.stop()

	var received int64
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			metrics.ServerRequests.WithLabelValues(string(kind), "timeout").Inc()
			writeBadRequest(rw)
			return
		}
		n, err := part.Read(buf)
		received += int64(n)
		m.count(n)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			zap.L().Sugar().Debugw("Upload interrupted", "uuid", data.UUID, "error", err)
			metrics.ServerRequests.WithLabelValues(string(kind), "interrupted").Inc()
			writeBadRequest(rw)
			return
		}
	}

	metrics.ServerRequests.WithLabelValues(string(kind), "ok").Inc()
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(UploadResponse{
		Bytes:    received,
		MIMEType: data.MIMEType,
	})
}

func downloadSize(req *http.Request) (int64, error) {
	raw := req.URL.Query().Get(spec.ByteLimitParameterName)
	if raw == "" {
		return spec.DefaultDownloadBytes, nil
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if size < 0 || size > spec.MaxDownloadBytes {
		return 0, errBadRequest
	}
	return size, nil
}

func (h *Handler) createResult(req *http.Request, kind spec.SubtestKind) *results.ServerResult {
	return &results.ServerResult{
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        "0",
		MeasurementID:  req.URL.Query().Get(spec.MeasurementIDParameterName),
		UUID:           connectionUUID(req),
		Client:         req.RemoteAddr,
		StartTime:      time.Now().UTC(),
		Kind:           kind,
	}
}

func (h *Handler) writeResult(result *results.ServerResult) {
	result.EndTime = time.Now().UTC()
	if h.dataDir == "" {
		return
	}
	fp, err := persistence.New(h.dataDir, string(result.Kind), result.UUID)
	if err != nil {
		zap.L().Sugar().Error("persistence.New failed", err)
		return
	}
	if err := fp.Write(result); err != nil {
		zap.L().Sugar().Error("failed to write result", err)
	}
	warnonerror.Close(fp, string(result.Kind)+": ignoring fp.Close error")
}

// meter counts transferred bytes and appends a server-side measurement to
// the result at semi-random intervals.
type meter struct {
	result   *results.ServerResult
	ticker   *memoryless.Ticker
	start    time.Time
	numBytes int64
}

func newMeter(ctx context.Context, result *results.ServerResult) (*meter, error) {
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      spec.MinMeasureInterval,
		Expected: spec.AvgMeasureInterval,
		Max:      spec.MaxMeasureInterval,
	})
	if err != nil {
		return nil, err
	}
	return &meter{result: result, ticker: ticker, start: time.Now()}, nil
}

func (m *meter) count(n int) {
	if n <= 0 {
		return
	}
	m.numBytes += int64(n)
	metrics.ServedBytes.WithLabelValues(string(m.result.Kind)).Add(float64(n))

	// Is it time to collect a measurement?
	select {
	case <-m.ticker.C:
		m.record()
	default:
		// NOTHING
	}
}

func (m *meter) record() {
	elapsed := time.Since(m.start)
	m.result.Measurements = append(m.result.Measurements, results.Measurement{
		AppInfo: &results.AppInfo{
			NumBytes:    m.numBytes,
			ElapsedTime: elapsed.Microseconds(),
		},
		Mbps:   units.Rate(uint64(m.numBytes), elapsed),
		Origin: "server",
	})
}

// stop records a final measurement and stops the ticker.
func (m *meter) stop() {
	m.record()
	m.ticker.Stop()
}
