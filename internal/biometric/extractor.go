package biometric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Extractor derives a face signature from an uploaded image.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]float64, error)
}

// HTTPExtractor calls an external face-encoding service. The service accepts
// a multipart upload in the "image" field and answers with
// {"encoding": [...]} on success or 422 when no face is found.
type HTTPExtractor struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPExtractor creates an HTTPExtractor for the given service URL.
func NewHTTPExtractor(endpoint string, timeout time.Duration) *HTTPExtractor {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExtractor{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Extract implements Extractor.
func (e *HTTPExtractor) Extract(ctx context.Context, image []byte) ([]float64, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "scan")
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read extract response: %w", err)
	}
	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, ErrNoFace
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("extraction service error %d: %s", resp.StatusCode, string(raw))
	}

	var payload struct {
		Encoding []float64 `json:"encoding"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode extract response: %w", err)
	}
	if len(payload.Encoding) == 0 {
		return nil, ErrNoFace
	}
	return payload.Encoding, nil
}
