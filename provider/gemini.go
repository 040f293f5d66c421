package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"storyboard-pipeline/config"
)

const defaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta"

// geminiClient talks to a Gemini-style multimodal endpoint. It implements
// both Language (vision parts, structured output schemas) and Image
// (reference-conditioned synthesis).
type geminiClient struct {
	baseURL    string
	apiKey     string
	model      string
	imageModel string
	httpClient *http.Client
}

func newGeminiClient(cfg config.GeminiConfig, apiKey string) *geminiClient {
	base := cfg.BaseURL
	if base == "" {
		base = defaultGeminiBase
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	imageModel := cfg.ImageModel
	if imageModel == "" {
		imageModel = "gemini-2.0-flash-image"
	}
	return &geminiClient{
		baseURL:    base,
		apiKey:     apiKey,
		model:      model,
		imageModel: imageModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *geminiClient) SupportsVision() bool { return true }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (c *geminiClient) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	parts := []geminiPart{{Text: prompt}}
	for _, img := range opts.Vision {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(img),
		}})
	}

	body := map[string]any{
		"contents": []map[string]any{{"parts": parts}},
	}
	if opts.JSONMode {
		genCfg := map[string]any{"response_mime_type": "application/json"}
		if opts.Schema != nil {
			genCfg["response_schema"] = opts.Schema
		}
		body["generationConfig"] = genCfg
	}

	var resp geminiResponse
	if err := c.postJSON(ctx, c.model, body, &resp); err != nil {
		return "", err
	}

	text := firstText(&resp)
	if text == "" {
		return "", &EmptyResponseError{Reason: blockDetail(&resp)}
	}
	return text, nil
}

// Generate produces one image conditioned on the reference images.
func (c *geminiClient) Generate(ctx context.Context, refs [][]byte, prompt string) ([]byte, error) {
	parts := []geminiPart{{Text: prompt}}
	for _, ref := range refs {
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(ref),
		}})
	}

	body := map[string]any{
		"contents":         []map[string]any{{"parts": parts}},
		"generationConfig": map[string]any{"response_modalities": []string{"IMAGE"}},
	}

	var resp geminiResponse
	if err := c.postJSON(ctx, c.imageModel, body, &resp); err != nil {
		return nil, err
	}

	if reason := blockDetail(&resp); reason != "" {
		return nil, &BlockedBySafetyError{Reason: reason}
	}
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					return nil, fmt.Errorf("decode image payload: %w", err)
				}
				return data, nil
			}
		}
	}
	return nil, &EmptyResponseError{Reason: "no image part in response"}
}

func (c *geminiClient) postJSON(ctx context.Context, model string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{Status: res.StatusCode, Detail: string(respBody)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("gemini http %d: %s", res.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func firstText(resp *geminiResponse) string {
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				return part.Text
			}
		}
	}
	return ""
}

// blockDetail returns the provider's refusal reason, or "" when the response
// was not blocked.
func blockDetail(resp *geminiResponse) string {
	if resp.PromptFeedback.BlockReason != "" {
		return resp.PromptFeedback.BlockReason
	}
	for _, cand := range resp.Candidates {
		if cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT" {
			return cand.FinishReason
		}
	}
	return ""
}
