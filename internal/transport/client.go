package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CredentialStyle selects how the session token reaches the server.
// The backend accepts all three; which one a deployment uses is config.
type CredentialStyle string

const (
	CredentialBearer CredentialStyle = "bearer"
	CredentialCookie CredentialStyle = "cookie"
	CredentialHeader CredentialStyle = "header"
)

const (
	cookieName = "auth_token"
	headerName = "X-Auth-Token"
)

// Client issues REST requests against the chat backend, attaching the
// session credential when one is held.
type Client struct {
	baseURL string
	style   CredentialStyle
	http    *http.Client

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, style CredentialStyle) *Client {
	if style == "" {
		style = CredentialBearer
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		style:   style,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken replaces the held credential. An empty token detaches it.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.doJSON(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.doJSON(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.do(req, out)
}

// FilePart is one file field of a multipart request. ContentType is
// sniffed from the data when empty.
type FilePart struct {
	Field       string
	Filename    string
	ContentType string
	Data        []byte
}

// PostMultipart sends fields and files as multipart/form-data. Used for
// message sends and profile updates, which may carry an image.
func (c *Client) PostMultipart(ctx context.Context, path string, fields map[string]string, files []FilePart, out interface{}) error {
	return c.doMultipart(ctx, http.MethodPost, path, fields, files, out)
}

func (c *Client) PutMultipart(ctx context.Context, path string, fields map[string]string, files []FilePart, out interface{}) error {
	return c.doMultipart(ctx, http.MethodPut, path, fields, files, out)
}

func (c *Client) doMultipart(ctx context.Context, method, path string, fields map[string]string, files []FilePart, out interface{}) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for field, value := range fields {
		if err := writer.WriteField(field, value); err != nil {
			return errors.Wrapf(err, "writing field %s", field)
		}
	}
	for _, file := range files {
		contentType := file.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(file.Data)
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition",
			fmt.Sprintf(`form-data; name=%q; filename=%q`, file.Field, file.Filename))
		header.Set("Content-Type", contentType)

		part, err := writer.CreatePart(header)
		if err != nil {
			return errors.Wrapf(err, "creating file part %s", file.Field)
		}
		if _, err := part.Write(file.Data); err != nil {
			return errors.Wrapf(err, "writing file part %s", file.Field)
		}
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "finalizing multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	c.attachCredential(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &Error{
			Kind:    kindForStatus(resp.StatusCode),
			Status:  resp.StatusCode,
			Message: readErrorMessage(resp.Body, resp.StatusCode),
		}
		log.Debug().Str("component", "transport").
			Str("method", req.Method).Str("path", req.URL.Path).
			Int("status", resp.StatusCode).Msg("request failed")
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decoding response body")
	}
	return nil
}

func (c *Client) attachCredential(req *http.Request) {
	token := c.Token()
	if token == "" {
		return
	}
	switch c.style {
	case CredentialCookie:
		req.AddCookie(&http.Cookie{Name: cookieName, Value: token})
	case CredentialHeader:
		req.Header.Set(headerName, token)
	default:
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// readErrorMessage pulls a human-readable message out of an error response,
// accepting either of the body shapes the backend produces.
func readErrorMessage(body io.Reader, status int) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return http.StatusText(status)
	}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}
