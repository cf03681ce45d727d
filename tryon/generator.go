package tryon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Output is what the upstream generative API returns for one run.
type Output struct {
	ResultImageURL string
	ProcessingMS   int64
}

// Generator produces a try-on image from a model photo and a garment photo.
// A call is one opaque unit of work: it either returns a result or fails;
// callers never retry inside a single metered execution.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Output, error)
}

// HTTPGenerator calls an external generative-image API over HTTP.
type HTTPGenerator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGenerator creates a generator client for the given API endpoint.
func NewHTTPGenerator(baseURL, apiKey string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// generateRequest is the upstream wire format.
type generateRequest struct {
	ModelImageURL    string `json:"model_image_url"`
	GarmentImageURL  string `json:"garment_image_url"`
	PreserveIdentity bool   `json:"preserve_identity"`
	HighResolution   bool   `json:"high_resolution"`
	Creativity       int    `json:"creativity"`
}

type generateResponse struct {
	Success        bool   `json:"success"`
	ResultURL      string `json:"result_url"`
	ProcessingTime int64  `json:"processing_time"`
	Error          string `json:"error"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Output, error) {
	body, err := json.Marshal(generateRequest{
		ModelImageURL:    req.ModelImageURL,
		GarmentImageURL:  req.GarmentImageURL,
		PreserveIdentity: req.Settings.PreserveIdentity,
		HighResolution:   req.Settings.HighResolution,
		Creativity:       req.Settings.Creativity,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/tryon", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call generator: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read generator response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("generator returned status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode generator response: %w", err)
	}
	if !out.Success || out.ResultURL == "" {
		msg := out.Error
		if msg == "" {
			msg = "generation unsuccessful"
		}
		return nil, fmt.Errorf("generator: %s", msg)
	}

	return &Output{ResultImageURL: out.ResultURL, ProcessingMS: out.ProcessingTime}, nil
}
