// Package spec contains constants for the HTTP speed test protocol.
package spec

import "time"

const (
	// DefaultDownloadURL is used when no download URL is configured.
	DefaultDownloadURL = "https://speed.cloudflare.com/__down?bytes=25000000"

	// DefaultUploadURL is used when no upload URL is configured.
	DefaultUploadURL = "https://speed.cloudflare.com/__up"

	// DefaultTimeout is the resource timeout covering a whole subtest. It is
	// not a per-chunk timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxCollectedBytes caps the amount of downloaded data kept in
	// memory for reuse as upload payload.
	DefaultMaxCollectedBytes = 64 << 20

	// ReadBufferSize is the size of the buffer used to read the download body.
	// Every read produces one speed update.
	ReadBufferSize = 32 << 10

	// UploadChunkSize is the maximum number of bytes handed to the transport
	// per read of the upload body.
	UploadChunkSize = 32 << 10

	// PayloadFieldName is the multipart field name (and filename) of the
	// upload payload.
	PayloadFieldName = "testdata"

	// PayloadMIMEType is the MIME type of the upload payload when it comes
	// from downloaded data or the embedded asset.
	PayloadMIMEType = "image/png"

	// DownloadPath selects the download subtest on the test server.
	DownloadPath = "/speedtest/download"
	// UploadPath selects the upload subtest on the test server.
	UploadPath = "/speedtest/upload"
	// LiveFeedPath serves the WebSocket live feed.
	LiveFeedPath = "/live"

	// LiveFeedProtocol is the value of the Sec-WebSocket-Protocol header
	// used by live feed clients.
	LiveFeedProtocol = "net.httpspeed.live.v1"

	// ByteLimitParameterName is the query parameter clients use to choose
	// how many bytes the download endpoint sends.
	ByteLimitParameterName = "bytes"

	// MeasurementIDParameterName is the optional query parameter carrying
	// the client's measurement ID.
	MeasurementIDParameterName = "mid"

	// DefaultDownloadBytes is the size of a download when the client does
	// not ask for a specific size.
	DefaultDownloadBytes = 25_000_000

	// MaxDownloadBytes caps the size of a single download.
	MaxDownloadBytes = 1 << 30

	// MaxRuntime is the maximum runtime of a subtest on the server side.
	MaxRuntime = 2 * DefaultTimeout

	// MinMeasureInterval is the minimum interval between server-side measurements.
	MinMeasureInterval = 100 * time.Millisecond
	// AvgMeasureInterval is the average interval between server-side measurements.
	AvgMeasureInterval = 250 * time.Millisecond
	// MaxMeasureInterval is the maximum interval between server-side measurements.
	MaxMeasureInterval = 400 * time.Millisecond
)

// SubtestKind indicates the subtest kind
type SubtestKind string

const (
	// SubtestDownload is a download subtest
	SubtestDownload = SubtestKind("download")

	// SubtestUpload is a upload subtest
	SubtestUpload = SubtestKind("upload")
)
