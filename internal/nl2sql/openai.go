package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatsql/chatsql/internal/apperrors"
)

const explorationPromptRows = 20

type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type OpenAITranslator struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func NewOpenAITranslator(cfg OpenAIConfig) (*OpenAITranslator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-5"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAITranslator{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       model,
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Response, error) {
	promptPayload, err := buildOpenAIPayload(t.model, t.temperature, req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(promptPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal chat payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Timeout("chat completion exceeded its time limit")
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, apperrors.Cancelled()
		}
		return nil, apperrors.Transport(fmt.Errorf("request chat completion: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transport(fmt.Errorf("read chat response body: %w", err))
	}
	if resp.StatusCode >= 400 {
		return nil, apperrors.Transport(fmt.Errorf("chat completion failed status=%d body=%s", resp.StatusCode, truncateBody(rawRespBody)))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return ParseFailure{RawText: string(rawRespBody), Reason: "chat completion envelope is not valid JSON"}, nil
	}
	if len(parsed.Choices) == 0 {
		return ParseFailure{RawText: string(rawRespBody), Reason: "chat completion returned no choices"}, nil
	}
	return ParseResponse(parsed.Choices[0].Message.Content), nil
}

func buildOpenAIPayload(model string, temperature float64, req Request) (map[string]any, error) {
	schemaJSON, err := json.Marshal(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema context: %w", err)
	}
	dialect := req.Dialect
	if dialect == "" {
		dialect = "PostgreSQL"
	}
	systemPrompt := "You answer analytics questions by writing a single read-only " + dialect + " SQL query. " +
		"Respond with one JSON object and nothing else: " +
		`{"explanation": string, "sql": string or null, "reasoning": string, "exploratory": boolean, ` +
		`"visualization": {"type": "table|bar|line|pie|number", "x": string, "y": [string], "title": string} or null}. ` +
		"Use null for sql when the question cannot be answered from the schema. " +
		"Set exploratory to true only when you need to look at the data before answering; the result will be sent back to you."

	messages := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "system", "content": fmt.Sprintf("Organization: %s\nSchema (JSON):\n%s", req.OrganizationID, string(schemaJSON))},
	}
	for _, turn := range req.Turns {
		role := turn.Role
		if role != "user" && role != "assistant" {
			continue
		}
		messages = append(messages, map[string]string{"role": role, "content": turn.Content})
	}
	if req.Exploration != nil {
		sample := req.Exploration.Clone()
		if len(sample.Rows) > explorationPromptRows {
			sample.Rows = sample.Rows[:explorationPromptRows]
		}
		explorationJSON, err := json.Marshal(sample)
		if err != nil {
			return nil, fmt.Errorf("marshal exploration result: %w", err)
		}
		messages = append(messages, map[string]string{
			"role":    "system",
			"content": "Exploratory query result (JSON). Now write the final query and set exploratory to false:\n" + string(explorationJSON),
		})
	}
	question := strings.TrimSpace(req.Question)
	if req.Hint != "" {
		question += "\n\nDisplay hint: " + req.Hint
	}
	messages = append(messages, map[string]string{"role": "user", "content": question})

	return map[string]any{
		"model":           model,
		"messages":        messages,
		"temperature":     temperature,
		"response_format": map[string]string{"type": "json_object"},
	}, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
