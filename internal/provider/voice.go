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

// VoiceClass is the credential class consumed by the voice provider.
const VoiceClass = "voice"

// VoiceClient drives the upstream speech-synthesis API: submit, poll
// for progress, fetch the artifact reference, cancel.
type VoiceClient struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
}

// NewVoiceClient creates a voice provider against the given base URL.
func NewVoiceClient(baseURL string) *VoiceClient {
	return &VoiceClient{
		BaseURL:      baseURL,
		HTTPClient:   &http.Client{Timeout: 90 * time.Second},
		PollInterval: 2 * time.Second,
	}
}

// Class implements Provider.
func (c *VoiceClient) Class() string { return VoiceClass }

type voiceSubmitRequest struct {
	Text          string             `json:"text"`
	VoiceID       string             `json:"voice_id"`
	ModelID       string             `json:"model_id"`
	VoiceSettings map[string]float64 `json:"voice_settings,omitempty"`
}

type voiceSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type voiceStatusResponse struct {
	Status   string `json:"status"` // processing | completed | failed
	Progress int    `json:"progress"`
	AudioURL string `json:"audio_url"`
	Error    string `json:"error"`
}

// Generate implements Provider. Submits the synthesis request, then
// polls upstream status until terminal, relaying progress.
func (c *VoiceClient) Generate(ctx context.Context, apiKey string, task domain.Task, rep Reporter) (Result, error) {
	modelID := task.Payload.ModelID
	if modelID == "" {
		modelID = "eleven_multilingual_v2"
	}
	submit := voiceSubmitRequest{
		Text:          task.Payload.Text,
		VoiceID:       task.Payload.VoiceID,
		ModelID:       modelID,
		VoiceSettings: task.Payload.VoiceSettings,
	}

	var submitted voiceSubmitResponse
	if err := c.post(ctx, apiKey, "/voice/synthesize", submit, &submitted); err != nil {
		return Result{}, err
	}
	rep.Started(submitted.TaskID)

	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}

		var status voiceStatusResponse
		err := c.get(ctx, apiKey, "/voice/status/"+submitted.TaskID, &status)
		if err != nil {
			// Transient poll failures are retried on the next tick;
			// ctx expiry bounds the total wait.
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			continue
		}

		switch status.Status {
		case "completed":
			rep.Progress(100)
			return Result{Ref: status.AudioURL, UnitsConsumed: -1}, nil
		case "failed":
			msg := status.Error
			if msg == "" {
				msg = "synthesis failed"
			}
			return Result{}, fmt.Errorf("%w: %s", domain.ErrUpstream, msg)
		default:
			rep.Progress(status.Progress)
		}
	}
}

// Abort implements Provider: best-effort upstream cancellation.
func (c *VoiceClient) Abort(ctx context.Context, apiKey, upstreamID string) error {
	return c.post(ctx, apiKey, "/voice/cancel/"+upstreamID, struct{}{}, nil)
}

// PartialCost implements PartialCoster: characters synthesized so far,
// prorated from progress.
func (c *VoiceClient) PartialCost(task domain.Task, progress int) int64 {
	if progress <= 0 {
		return 0
	}
	if progress > 100 {
		progress = 100
	}
	return task.CostEstimate * int64(progress) / 100
}

func (c *VoiceClient) post(ctx context.Context, apiKey, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *VoiceClient) get(ctx context.Context, apiKey, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return c.do(req, out)
}

func (c *VoiceClient) do(req *http.Request, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: voice API %d: %s", domain.ErrUpstream, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrUpstream, err)
	}
	return nil
}
