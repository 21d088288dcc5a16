package analyze

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"net/http"

	"github.com/technosupport/ts-sentinel/internal/event"
)

// OpenAIConfig configures one OpenAI-compatible vision endpoint. Several
// instances with different names/models form the fallback chain.
type OpenAIConfig struct {
	Name       string     `yaml:"name"`
	BaseURL    string     `yaml:"base_url"`
	Model      string     `yaml:"model"`
	APIKey     string     `yaml:"api_key"`
	MaxTokens  int        `yaml:"max_tokens"`
	Capability Capability `yaml:"capability"`
}

// OpenAIProvider talks to a chat-completions style vision API. Frames are
// attached as base64 JPEG data URLs.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *http.Client
}

func NewOpenAIProvider(cfg OpenAIConfig, client *http.Client) *OpenAIProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 400
	}
	return &OpenAIProvider{cfg: cfg, client: client}
}

func (p *OpenAIProvider) Name() string           { return p.cfg.Name }
func (p *OpenAIProvider) Capability() Capability { return p.cfg.Capability }

type oaContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type oaRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string      `json:"role"`
		Content []oaContent `json:"content"`
	} `json:"messages"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) Describe(ctx context.Context, req DescribeRequest) (DescribeResponse, error) {
	frames := req.Frames
	if req.Mode == event.ModeSingleFrame && len(frames) > 1 {
		frames = frames[:1]
	}

	content := []oaContent{{Type: "text", Text: req.Prompt}}
	for _, f := range frames {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, f.Img, &jpeg.Options{Quality: 80}); err != nil {
			return DescribeResponse{}, fmt.Errorf("frame encode: %w", err)
		}
		c := oaContent{Type: "image_url"}
		c.ImageURL = &struct {
			URL string `json:"url"`
		}{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())}
		content = append(content, c)
	}

	body := oaRequest{Model: p.cfg.Model, MaxTokens: p.cfg.MaxTokens}
	body.Messages = append(body.Messages, struct {
		Role    string      `json:"role"`
		Content []oaContent `json:"content"`
	}{Role: "user", Content: content})

	payload, err := json.Marshal(body)
	if err != nil {
		return DescribeResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return DescribeResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return DescribeResponse{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return DescribeResponse{}, fmt.Errorf("%s: %w", p.cfg.Name, event.ErrRateLimited)
	case resp.StatusCode == http.StatusNotFound:
		return DescribeResponse{}, fmt.Errorf("%s: %w", p.cfg.Name, event.ErrAssetNotFound)
	case resp.StatusCode != http.StatusOK:
		return DescribeResponse{}, fmt.Errorf("%s: status %d", p.cfg.Name, resp.StatusCode)
	}

	var out oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return DescribeResponse{}, fmt.Errorf("%s: decode: %w", p.cfg.Name, err)
	}
	if len(out.Choices) == 0 {
		return DescribeResponse{}, fmt.Errorf("%s: empty choices", p.cfg.Name)
	}

	desc, conf := ParseReply(out.Choices[0].Message.Content)
	return DescribeResponse{
		Text:       desc,
		Confidence: conf,
		TokensUsed: out.Usage.TotalTokens,
	}, nil
}
