// Package textchat is the non-voice fallback path: a plain request/response
// exchange with the agent's REST surface for environments where microphone
// capture is unavailable.
package textchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"krishivoice/internal/domain"
	"krishivoice/internal/protocol"
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to the agent's HTTP endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// New builds a client for the given base URL, e.g. "https://agent.example".
func New(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultRequestTimeout},
		log:     log.With("component", "textchat"),
	}
}

type chatRequest struct {
	Message  string           `json:"message"`
	Language string           `json:"language"`
	Location *domain.Location `json:"location,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
	Language string `json:"language"`
}

// Ask sends one text question and returns the agent's answer. The answer is
// sanitized the same way streamed text is.
func (c *Client) Ask(ctx context.Context, message, language string, loc *domain.Location) (string, error) {
	body, err := json.Marshal(chatRequest{
		Message:  message,
		Language: domain.NormalizeLanguage(language),
		Location: loc,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chat request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	return protocol.Sanitize(out.Response), nil
}

type languagesResponse struct {
	Languages map[string]string `json:"languages"`
}

// Languages fetches the agent's language catalogue. On any failure the fixed
// built-in set is returned so the UI always has something to offer.
func (c *Client) Languages(ctx context.Context) map[string]string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/languages", nil)
	if err != nil {
		return domain.SupportedLanguages
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("language catalogue unavailable, using built-in set", "error", err)
		return domain.SupportedLanguages
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("language catalogue unavailable, using built-in set", "status", resp.StatusCode)
		return domain.SupportedLanguages
	}
	var out languagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Languages) == 0 {
		return domain.SupportedLanguages
	}
	return out.Languages
}

// Healthy probes the agent's health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	return resp.StatusCode == http.StatusOK
}
