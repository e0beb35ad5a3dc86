// Package payload builds the body of upload subtests.
package payload

import (
	"bytes"
	_ "embed"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/robertodauria/httpspeed/pkg/speedtest/spec"
)

//go:embed assets/testdata.png
var fallback []byte

// Payload is the data sent during an upload subtest. Data must not be
// modified once the Payload has been created.
type Payload struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Len returns the size of the payload data.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}

// Fallback returns the embedded test asset. It is used when there is no
// downloaded data to upload.
func Fallback() *Payload {
	return &Payload{
		Name:     spec.PayloadFieldName,
		MIMEType: spec.PayloadMIMEType,
		Data:     fallback,
	}
}

// FromBytes wraps data collected during a download.
func FromBytes(data []byte) *Payload {
	return &Payload{
		Name:     spec.PayloadFieldName,
		MIMEType: spec.PayloadMIMEType,
		Data:     data,
	}
}

// FromFile reads the file at path and detects its MIME type.
func FromFile(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read payload file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("payload file %s is empty", path)
	}
	return &Payload{
		Name:     spec.PayloadFieldName,
		MIMEType: mimetype.Detect(data).String(),
		Data:     data,
	}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// Build returns a multipart/form-data body containing data as a single file
// part, along with the request headers needed to send it.
func Build(fieldName string, data []byte, mimeType string) ([]byte, http.Header) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	name := quoteEscaper.Replace(fieldName)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, name, name))
	h.Set("Content-Type", mimeType)

	// Writes to a bytes.Buffer do not fail.
	part, _ := w.CreatePart(h)
	part.Write(data)
	w.Close()

	headers := http.Header{}
	headers.Set("Content-Type", w.FormDataContentType())
	headers.Set("Content-Length", strconv.Itoa(body.Len()))
	return body.Bytes(), headers
}

// Body is a shorthand for Build using the payload's own name and MIME type.
func (p *Payload) Body() ([]byte, http.Header) {
	return Build(p.Name, p.Data, p.MIMEType)
}
