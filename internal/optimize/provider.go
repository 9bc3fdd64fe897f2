package optimize

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ProviderID names a text-completion service.
type ProviderID string

const (
	ProviderOpenAI      ProviderID = "openai"
	ProviderSiliconFlow ProviderID = "siliconflow"
	ProviderVolcengine  ProviderID = "volcengine"
	ProviderClaude      ProviderID = "claude"
	ProviderLocal       ProviderID = "local"
)

// authRule selects how the credential is sent.
type authRule int

const (
	authBearer    authRule = iota // Authorization: Bearer <key>
	authAnthropic                 // x-api-key plus anthropic-version
)

// bodyShape selects the request document layout.
type bodyShape int

const (
	// shapeChat puts the system prompt first in the message list and sends a
	// temperature.
	shapeChat bodyShape = iota
	// shapeMessages sends the system prompt as a top-level field.
	shapeMessages
)

// anthropicVersion is the API version header sent to Claude.
const anthropicVersion = "2023-06-01"

// Provider describes one service as data: where to send the request, how
// to authenticate, how to lay out the body and where the answer sits in the
// response.
type Provider struct {
	ID           ProviderID `json:"id"`
	DisplayName  string     `json:"display_name"`
	BaseURL      string     `json:"base_url"`
	Models       []string   `json:"models"`
	NeedsKey     bool       `json:"needs_key"`
	endpoint     string
	auth         authRule
	shape        bodyShape
	responsePath string
}

// DefaultModel is the first suggested model.
func (p Provider) DefaultModel() string {
	if len(p.Models) == 0 {
		return ""
	}
	return p.Models[0]
}

var providers = map[ProviderID]Provider{
	ProviderOpenAI: {
		ID:           ProviderOpenAI,
		DisplayName:  "OpenAI",
		BaseURL:      "https://api.openai.com/v1",
		Models:       []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo"},
		NeedsKey:     true,
		endpoint:     "/chat/completions",
		auth:         authBearer,
		shape:        shapeChat,
		responsePath: "choices.0.message.content",
	},
	ProviderSiliconFlow: {
		ID:          ProviderSiliconFlow,
		DisplayName: "硅基流动",
		BaseURL:     "https://api.siliconflow.cn/v1",
		Models: []string{
			"Qwen/Qwen2.5-7B-Instruct",
			"Qwen/Qwen2.5-14B-Instruct",
			"Qwen/Qwen2.5-32B-Instruct",
			"THUDM/glm-4-9b-chat",
			"01-ai/Yi-1.5-9B-Chat-16K",
		},
		NeedsKey:     true,
		endpoint:     "/chat/completions",
		auth:         authBearer,
		shape:        shapeChat,
		responsePath: "choices.0.message.content",
	},
	ProviderVolcengine: {
		ID:           ProviderVolcengine,
		DisplayName:  "火山大模型",
		BaseURL:      "https://ark.cn-beijing.volces.com/api/v3",
		Models:       []string{"doubao-lite-4k", "doubao-pro-4k", "doubao-pro-32k", "doubao-pro-128k"},
		NeedsKey:     true,
		endpoint:     "/chat/completions",
		auth:         authBearer,
		shape:        shapeChat,
		responsePath: "choices.0.message.content",
	},
	ProviderClaude: {
		ID:           ProviderClaude,
		DisplayName:  "Claude",
		BaseURL:      "https://api.anthropic.com",
		Models:       []string{"claude-3-haiku-20240307", "claude-3-sonnet-20240229", "claude-3-opus-20240229"},
		NeedsKey:     true,
		endpoint:     "/v1/messages",
		auth:         authAnthropic,
		shape:        shapeMessages,
		responsePath: "content.0.text",
	},
	ProviderLocal: {
		ID:           ProviderLocal,
		DisplayName:  "本地模型",
		BaseURL:      "http://localhost:11434/v1",
		Models:       []string{"qwen2.5:7b"},
		endpoint:     "/chat/completions",
		auth:         authBearer,
		shape:        shapeChat,
		responsePath: "choices.0.message.content",
	},
}

// LookupProvider returns the provider registered under id.
func LookupProvider(id ProviderID) (Provider, bool) {
	p, ok := providers[ProviderID(strings.ToLower(string(id)))]
	return p, ok
}

// Providers returns every known provider ordered by ID.
func Providers() []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Provider) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// url joins base (or the provider default) with the endpoint path.
func (p Provider) url(base string) string {
	if base == "" {
		base = p.BaseURL
	}
	return strings.TrimRight(base, "/") + p.endpoint
}

func (p Provider) setHeaders(h http.Header, key string) {
	h.Set("Content-Type", "application/json")
	switch p.auth {
	case authAnthropic:
		h.Set("x-api-key", key)
		h.Set("anthropic-version", anthropicVersion)
	default:
		if key != "" {
			h.Set("Authorization", "Bearer "+key)
		}
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// body renders the request document for model with the system and user prompts.
func (p Provider) body(model, system, prompt string) ([]byte, error) {
	doc := []byte(`{}`)
	var err error
	set := func(path string, v any) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, v)
		}
	}
	set("model", model)
	switch p.shape {
	case shapeMessages:
		set("max_tokens", MaxTokens)
		set("system", system)
		set("messages.0", message{Role: "user", Content: prompt})
	default:
		set("messages.0", message{Role: "system", Content: system})
		set("messages.1", message{Role: "user", Content: prompt})
		set("temperature", Temperature)
		set("max_tokens", MaxTokens)
	}
	if err != nil {
		return nil, fmt.Errorf("optimize: build %s request: %w", p.ID, err)
	}
	return doc, nil
}

// parse extracts the completion text from a response document.
func (p Provider) parse(doc []byte) (string, error) {
	if !gjson.ValidBytes(doc) {
		return "", fmt.Errorf("%w: response is not json", ErrParse)
	}
	res := gjson.GetBytes(doc, p.responsePath)
	if !res.Exists() || res.Type != gjson.String {
		return "", fmt.Errorf("%w: %s missing in response", ErrParse, p.responsePath)
	}
	return res.String(), nil
}
