package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Registration outcome errors. RegisterVoter wraps one of these when the
// registrar answers with a non-registered outcome.
var (
	ErrDuplicateID      = errors.New("voter id already registered")
	ErrInvalidBiometric = errors.New("invalid biometric signature")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
)

// Notarization statuses reported in Voter.Status.
const (
	StatusPending   = "pending"
	StatusNotarized = "notarized"
	StatusFailed    = "failed"
)

// RegisterRequest is the payload for RegisterVoter.
type RegisterRequest struct {
	Name               string    `json:"name"`
	Address            string    `json:"address"`
	DOB                string    `json:"dob"`
	VoterID            string    `json:"voter_id"`
	BiometricSignature []float64 `json:"biometric_signature,omitempty"`
}

// Voter is a registration as returned by the registrar.
type Voter struct {
	ID            string    `json:"id"`
	VoterID       string    `json:"voter_id"`
	Name          string    `json:"name"`
	Address       string    `json:"address"`
	DOB           string    `json:"dob"`
	ContentHash   string    `json:"content_hash"`
	Status        string    `json:"notarization_status"`
	LedgerReceipt string    `json:"ledger_receipt,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RegisterResult is the typed outcome of a registration call.
type RegisterResult struct {
	Outcome string `json:"outcome"`
	Voter   *Voter `json:"voter,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stats holds voter counts per notarization status.
type Stats struct {
	Pending   int `json:"pending"`
	Notarized int `json:"notarized"`
	Failed    int `json:"failed"`
}

// LedgerOverview summarises the local trust ledger.
type LedgerOverview struct {
	Entries int    `json:"entries"`
	Root    string `json:"root"`
}

// LedgerEntry is one anchored content hash on the trust ledger.
type LedgerEntry struct {
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	VoterID     string    `json:"voter_id"`
	ContentHash string    `json:"content_hash"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// Client talks to a voterledger registrar.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
// Registration waits for the ledger commit, so keep this above the
// registrar's commit timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the registrar at base.
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 3 * time.Minute},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// RegisterVoter registers a voter with a precomputed face encoding. A
// registered outcome returns the stored voter, whose status may still be
// pending or failed; every other outcome is returned as an error wrapping
// ErrDuplicateID, ErrInvalidBiometric or ErrInvalidInput.
func (c *Client) RegisterVoter(ctx context.Context, reg RegisterRequest) (*Voter, error) {
	payload, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/voters", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.register(req)
}

// RegisterVoterWithFaceScan uploads a face image and lets the registrar
// extract the encoding. reg.BiometricSignature is ignored.
func (c *Client) RegisterVoterWithFaceScan(ctx context.Context, reg RegisterRequest, filename string, image []byte) (*Voter, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"name":    reg.Name,
		"address": reg.Address,
		"dob":     reg.DOB,
		"voterId": reg.VoterID,
	} {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	fw, err := mw.CreateFormFile("faceScan", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(image); err != nil {
		return nil, fmt.Errorf("write face scan: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/voters", &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.register(req)
}

func (c *Client) register(req *http.Request) (*Voter, error) {
	req.Header.Set("Accept", "application/json")
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}

	var res RegisterResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("decode register response (HTTP %d): %w", status, err)
	}

	switch res.Outcome {
	case "registered":
		if res.Voter == nil {
			return nil, errors.New("registered outcome without voter")
		}
		return res.Voter, nil
	case "duplicate_id":
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, res.Error)
	case "invalid_biometric":
		return nil, fmt.Errorf("%w: %s", ErrInvalidBiometric, res.Error)
	case "invalid_input":
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, res.Error)
	}
	return nil, fmt.Errorf("server error %d: %s", status, string(body))
}

// GetVoter fetches a registration by voter ID.
func (c *Client) GetVoter(ctx context.Context, voterID string) (*Voter, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/v1/voters/"+url.PathEscape(voterID), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var v Voter
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode voter: %w", err)
	}
	return &v, nil
}

// Notarize asks the registrar to retry the ledger commit for one voter.
// The returned bool is false when the outcome is still unknown and the
// record remains pending. Requires an operator token.
func (c *Client) Notarize(ctx context.Context, voterID string) (*Voter, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/api/v1/voters/"+url.PathEscape(voterID)+"/notarize", nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, false, err
	}
	if err := statusError(req, status, body); err != nil {
		return nil, false, err
	}
	var v Voter
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, false, fmt.Errorf("decode voter: %w", err)
	}
	return &v, status != http.StatusAccepted, nil
}

// Recover runs one recovery pass on the registrar and returns how many
// records it processed. Requires an operator token.
func (c *Client) Recover(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/recovery", nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return 0, err
	}
	var out struct {
		Processed int `json:"processed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode recovery response: %w", err)
	}
	return out.Processed, nil
}

// Stats returns voter counts per notarization status.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.getJSON(ctx, "/api/v1/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Ledger returns the trust ledger overview. Only registrars running the
// chain ledger driver expose it.
func (c *Client) Ledger(ctx context.Context) (*LedgerOverview, error) {
	var o LedgerOverview
	if err := c.getJSON(ctx, "/api/v1/ledger", &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// LedgerEntry fetches a single trust ledger entry by index.
func (c *Client) LedgerEntry(ctx context.Context, idx int) (*LedgerEntry, error) {
	var e LedgerEntry
	if err := c.getJSON(ctx, "/api/v1/ledger/entries/"+strconv.Itoa(idx), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do executes req and returns the body, mapping non-2xx statuses to errors.
func (c *Client) do(req *http.Request) ([]byte, error) {
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if err := statusError(req, status, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func statusError(req *http.Request, status int, body []byte) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
	case status >= 300:
		return fmt.Errorf("server error %d: %s", status, string(body))
	}
	return nil
}
