// Package transport implements the HTTPS interface to the telemetry
// backend: the three-step presign/upload/complete handshake, session
// end, and replay promotion gating.
//
// Every call is bounded by the client timeout. Failures surface as
// categorized errors so the pipeline can distinguish transient faults
// (keep the persisted copy) from auth, billing, and definitive-skip
// outcomes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	rkerrors "github.com/randalmurphal/replaykit/pkg/replaykit/errors"
)

// TokenProvider supplies upload tokens. Implemented by the host's auth
// layer; token issuance is out of scope here.
type TokenProvider interface {
	// EnsureValidToken refreshes the token if needed. Returns false if
	// no valid token could be obtained.
	EnsureValidToken(ctx context.Context) bool

	// CurrentUploadToken returns the current token, if any.
	CurrentUploadToken() (string, bool)
}

// Client talks to the telemetry backend.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	userID  string
}

// NewClient creates a backend client. timeout bounds every request.
func NewClient(baseURL, userID string, tokens TokenProvider, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		userID:  userID,
	}
}

// UserID returns the user id stamped on backend requests.
func (c *Client) UserID() string { return c.userID }

// Presign requests an authorized upload destination.
func (c *Client) Presign(ctx context.Context, req PresignRequest) (PresignResponse, error) {
	if req.UserID == "" {
		req.UserID = c.userID
	}
	var resp PresignResponse
	if err := c.postJSON(ctx, "/presign", req, &resp); err != nil {
		return PresignResponse{}, err
	}
	if !resp.SkipUpload && resp.PresignedURL == "" {
		return PresignResponse{}, rkerrors.Permanent(
			fmt.Errorf("presign response missing url"), "presign")
	}
	return resp, nil
}

// UploadPayload PUTs the compressed payload to the presigned URL.
// Presigned destinations carry their own authorization, so no token
// header is attached.
func (c *Client) UploadPayload(ctx context.Context, presignedURL string, payload []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(payload))
	if err != nil {
		return rkerrors.Permanent(err, "build upload request")
	}
	httpReq.Header.Set("Content-Type", "application/gzip")
	httpReq.ContentLength = int64(len(payload))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.wrapTransportError("upload payload", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &rkerrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
			Endpoint:   "presigned-put",
		}
	}
	return nil
}

// CompleteBatch notifies the backend the payload landed.
func (c *Client) CompleteBatch(ctx context.Context, req CompleteRequest) error {
	if req.UserID == "" {
		req.UserID = c.userID
	}
	return c.postJSON(ctx, "/batch/complete", req, nil)
}

// EndSession sends the terminal session signal.
func (c *Client) EndSession(ctx context.Context, req EndSessionRequest) error {
	return c.postJSON(ctx, "/session/end", req, nil)
}

// EvaluateReplay asks whether this session's heavy frames should be
// uploaded.
func (c *Client) EvaluateReplay(ctx context.Context, req ReplayRequest) (ReplayDecision, error) {
	var resp ReplayDecision
	if err := c.postJSON(ctx, "/replay/evaluate", req, &resp); err != nil {
		return ReplayDecision{}, err
	}
	return resp, nil
}

// postJSON posts a JSON body to a backend path and decodes the reply
// into out (if non-nil). Non-2xx statuses become HTTPErrors so the
// categorizer can map 401 to auth, 402 to billing, and 5xx to transient.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	token, ok := c.tokens.CurrentUploadToken()
	if !ok {
		return rkerrors.NewCategorized(
			errors.New("no upload token available"), rkerrors.CategoryAuth, path)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return rkerrors.Permanent(err, "encode "+path)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return rkerrors.Permanent(err, "build "+path)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.wrapTransportError(path, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &rkerrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    readErrorBody(resp.Body),
			Endpoint:   path,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return rkerrors.Permanent(fmt.Errorf("decode response: %w", err), path)
	}
	return nil
}

// wrapTransportError maps connection-level failures to the taxonomy.
func (c *Client) wrapTransportError(operation string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &rkerrors.TimeoutError{
			Operation: operation,
			Duration:  c.http.Timeout.String(),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &rkerrors.TimeoutError{
			Operation: operation,
			Duration:  c.http.Timeout.String(),
		}
	}
	return &rkerrors.NetworkError{Operation: operation, Cause: err}
}

// readErrorBody returns a short excerpt of an error response body.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 512))
	if err != nil || len(data) == 0 {
		return ""
	}
	return string(data)
}

// drainAndClose fully reads and closes a response body so the
// underlying connection can be reused.
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, body) //nolint:errcheck
	body.Close()
}
