package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fiftyfive-labs/synthd/internal/domain"
)

// ImageClass is the credential class consumed by the image provider.
const ImageClass = "image"

// ImageClient drives a single-shot image generation API in the OpenAI
// images style: one POST, response carries the artifact URLs.
type ImageClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewImageClient creates an image provider against the given base URL.
func NewImageClient(baseURL string) *ImageClient {
	return &ImageClient{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Class implements Provider.
func (c *ImageClient) Class() string { return ImageClass }

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate implements Provider. The call is synchronous upstream, so
// there is no intermediate progress to relay and no upstream handle to
// abort.
func (c *ImageClient) Generate(ctx context.Context, apiKey string, task domain.Task, rep Reporter) (Result, error) {
	count := task.Payload.ImageCount
	if count <= 0 {
		count = 1
	}
	size := ""
	if task.Payload.Width > 0 && task.Payload.Height > 0 {
		size = fmt.Sprintf("%dx%d", task.Payload.Width, task.Payload.Height)
	}
	body := imageRequest{
		Model:  task.Payload.ModelID,
		Prompt: task.Payload.Prompt,
		N:      count,
		Size:   size,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/images/generations", bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("%w: image API %d: %s", domain.ErrUpstream, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var decoded imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, err)
	}
	if decoded.Error != nil {
		return Result{}, fmt.Errorf("%w: %s", domain.ErrUpstream, decoded.Error.Message)
	}
	if len(decoded.Data) == 0 {
		return Result{}, fmt.Errorf("%w: no images returned", domain.ErrUpstream)
	}

	rep.Progress(100)

	// Fewer images than requested: charge only what was produced.
	units := int64(-1)
	if len(decoded.Data) < count {
		perImage := task.CostEstimate / int64(count)
		units = perImage * int64(len(decoded.Data))
	}
	return Result{Ref: decoded.Data[0].URL, UnitsConsumed: units}, nil
}

// Abort implements Provider. The upstream call is single-shot and not
// cancellable; dropping the request context is all we can do.
func (c *ImageClient) Abort(ctx context.Context, apiKey, upstreamID string) error {
	return nil
}
