package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/event-capture/eventcapture/log"
	"github.com/event-capture/eventcapture/storage"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 30 * time.Second

	eventsPath = "/api/events"
	videoPath  = "/api/events/video"
)

// ErrNotConfigured is returned when no ingestion URL is set.
var ErrNotConfigured = errors.New("ingestion URL not configured")

// Error is a non-2xx answer of the ingestion service.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		return fmt.Sprintf("ingestion service: http %d", e.StatusCode)
	}
	return fmt.Sprintf("ingestion service: http %d: %s", e.StatusCode, msg)
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// Result is the answer to a successful payload delivery.
type Result struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"documentId"`
	FolderIso  string `json:"folderIso,omitempty"`
}

// Client talks to the ingestion service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	logger  *log.Logger
}

// NewClient returns a client for the service at baseURL. A nil httpClient
// means http.DefaultClient.
func NewClient(baseURL, apiKey string, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httpClient,
		timeout: DefaultTimeout,
		logger:  logger,
	}
}

// WithTimeout returns a copy of the client with a different attempt timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := *c
	clone.timeout = timeout
	return &clone
}

// Submit posts an encoded payload once.
func (c *Client) Submit(ctx context.Context, payload []byte) (*Result, error) {
	body, err := c.do(ctx, eventsPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decoding ingestion response: %w", err)
	}
	c.logger.Debugf("ingest:Submit", "documentId:%q folderIso:%q", res.DocumentID, res.FolderIso)

	return &res, nil
}

// UploadVideo uploads the video artifact for the task stored in folderIso.
func (c *Client) UploadVideo(ctx context.Context, folderIso string, video io.Reader) error {
	if !storage.ValidFolder(folderIso) {
		return fmt.Errorf("uploading video: invalid folder %q", folderIso)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeVideoForm(mw, folderIso, video))
	}()

	_, err := c.do(ctx, videoPath, mw.FormDataContentType(), pr)
	// unblocks the writer if the request ended early
	_ = pr.Close()
	return err
}

func writeVideoForm(mw *multipart.Writer, folderIso string, video io.Reader) error {
	if err := mw.WriteField("folderIso", folderIso); err != nil {
		return fmt.Errorf("writing form field: %w", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, storage.VideoFileName))
	h.Set("Content-Type", "video/webm")
	fw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating video part: %w", err)
	}
	if _, err := io.Copy(fw, video); err != nil {
		return fmt.Errorf("reading video: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing form: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating ingestion request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting to %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading ingestion response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{StatusCode: resp.StatusCode, Message: errorMessage(payload)}
	}

	return payload, nil
}

// errorMessage extracts the message of an {error} or {detail} answer, or
// falls back to the raw body.
func errorMessage(body []byte) string {
	var er struct {
		Error  string          `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Error != "" {
			return er.Error
		}
		var detail string
		if err := json.Unmarshal(er.Detail, &detail); err == nil && detail != "" {
			return detail
		}
		if len(er.Detail) > 0 {
			return string(er.Detail)
		}
	}
	return string(body)
}
