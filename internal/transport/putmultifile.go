package transport

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/logging"
	"github.com/google/uuid"
)

// BandwidthManager shapes upload traffic. The job passes every part's read
// stream through it; an implementation typically blocks reads until tokens
// are available.
type BandwidthManager interface {
	WrapReader(r io.Reader) io.Reader
}

// UploadPart is one file inside a bulk PUT: its per-part headers (including
// X-File-Path) and an open read stream. The job owns the stream while the
// request is in flight and closes it on completion.
type UploadPart struct {
	Headers map[string]string
	Device  io.ReadCloser
	Size    int64
}

// FileReply is one element of the server's JSON reply array, keyed by the
// echoed X-File-Path.
type FileReply struct {
	FilePath          string `json:"X-File-Path"`
	OCEtag            string `json:"OC-ETag"`
	Etag              string `json:"ETag"`
	OCFileID          string `json:"OC-FileID"`
	JobStatusLocation string `json:"OC-JobStatus-Location"`
	MtimeAck          string `json:"X-OC-MTime"`
}

// BulkReply is the parsed outcome of one bulk PUT. The HTTP status is shared
// by all parts in this protocol; per-file metadata comes from Files.
type BulkReply struct {
	StatusCode int
	RequestID  string
	Body       []byte
	Files      []FileReply
}

// Find returns the reply object whose X-File-Path matches path.
func (r *BulkReply) Find(path string) (FileReply, bool) {
	for _, f := range r.Files {
		if f.FilePath == path {
			return f, true
		}
	}
	return FileReply{}, false
}

// PutMultiFileJob sends all parts in a single multi-part PUT to the account's
// bulk endpoint.
type PutMultiFileJob struct {
	account *Account
	parts   []UploadPart
	log     logging.Logger

	// Timeout overrides the account client's timeout when longer.
	Timeout time.Duration

	// OnProgress, when set, receives (bytesSent, bytesTotal). It is called
	// from the goroutine streaming the request body.
	OnProgress func(sent, total int64)

	// Bandwidth, when set, shapes the upload streams.
	Bandwidth BandwidthManager

	requestID string
}

// NewPutMultiFileJob prepares a bulk PUT for the given parts.
func NewPutMultiFileJob(account *Account, parts []UploadPart, log logging.Logger) *PutMultiFileJob {
	return &PutMultiFileJob{
		account:   account,
		parts:     parts,
		log:       log,
		requestID: uuid.NewString(),
	}
}

// RequestID returns the X-Request-ID sent with the PUT.
func (j *PutMultiFileJob) RequestID() string {
	return j.requestID
}

// AdjustTimeout widens a timeout for large payloads: three minutes per
// gigabyte, never more than thirty minutes, never less than the current
// value.
func AdjustTimeout(current time.Duration, size int64) time.Duration {
	scaled := time.Duration(math.Round(3 * float64(time.Minute) * float64(size) / 1e9))
	if scaled > 30*time.Minute {
		scaled = 30 * time.Minute
	}
	if scaled < current {
		return current
	}
	return scaled
}

type progressReader struct {
	r     io.Reader
	sent  *atomic.Int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		sent := p.sent.Add(int64(n))
		if p.fn != nil {
			p.fn(sent, p.total)
		}
	}
	return n, err
}

// Run streams the request and parses the reply. A non-nil error means the
// request itself failed (connection, timeout, context); HTTP-level failures
// are reported through BulkReply.StatusCode with the raw body preserved for
// error-message extraction.
func (j *PutMultiFileJob) Run(ctx context.Context) (*BulkReply, error) {
	defer func() {
		for _, part := range j.parts {
			_ = part.Device.Close()
		}
	}()

	var total int64
	for _, part := range j.parts {
		total += part.Size
	}

	var sent atomic.Int64
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := j.writeBody(mw, &sent, total)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, j.account.BulkURL(), pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
	req.Header.Set("X-Request-ID", j.requestID)
	j.account.authorize(req)

	client := j.account.Client
	// A zero client timeout means no limit, which no job timeout exceeds.
	if client.Timeout > 0 && j.Timeout > client.Timeout {
		scoped := *client
		scoped.Timeout = j.Timeout
		client = &scoped
	}

	j.log.Info(ctx, "bulk PUT", "url", j.account.BulkURL(), "parts", len(j.parts), "bytes", total, "request_id", j.requestID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bulk PUT: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("bulk PUT read reply: %w", err)
	}

	reply := &BulkReply{
		StatusCode: resp.StatusCode,
		RequestID:  j.requestID,
		Body:       body,
	}
	if len(body) > 0 {
		// The reply is a JSON array of per-file objects; error statuses may
		// carry a DAV error document instead, kept raw in Body.
		if err := json.Unmarshal(body, &reply.Files); err != nil {
			j.log.Debug(ctx, "bulk reply is not a JSON array", "status", resp.StatusCode, "err", err)
		}
	}

	j.log.Info(ctx, "bulk PUT finished", "status", resp.StatusCode, "replies", len(reply.Files))
	return reply, nil
}

func (j *PutMultiFileJob) writeBody(mw *multipart.Writer, sent *atomic.Int64, total int64) error {
	for _, part := range j.parts {
		// Keys are written as-is: the protocol's header names (X-File-MD5,
		// OC-Tag) do not follow MIME canonical case.
		h := make(textproto.MIMEHeader, len(part.Headers)+1)
		for k, v := range part.Headers {
			h[k] = []string{v}
		}
		h["Content-Length"] = []string{strconv.FormatInt(part.Size, 10)}

		w, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		var reader io.Reader = part.Device
		if j.Bandwidth != nil {
			reader = j.Bandwidth.WrapReader(reader)
		}
		reader = &progressReader{r: reader, sent: sent, total: total, fn: j.OnProgress}
		if _, err := io.Copy(w, reader); err != nil {
			return fmt.Errorf("stream %s: %w", part.Headers["X-File-Path"], err)
		}
	}
	return nil
}

// davError matches the sabre/dav error document some failures carry.
type davError struct {
	XMLName   xml.Name `xml:"error"`
	Exception string   `xml:"exception"`
	Message   string   `xml:"message"`
}

// ParseErrorMessage extracts a human-readable message from an error reply
// body. Returns an empty string when the body carries none.
func ParseErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var de davError
	if err := xml.Unmarshal(body, &de); err == nil && de.Message != "" {
		return de.Message
	}
	var je struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &je); err == nil {
		return je.Message
	}
	return ""
}
