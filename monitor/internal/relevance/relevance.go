// Package relevance scores how much a content change matters to the reader.
//
// Relevance is enrichment only: the change detector records magnitude first
// and attaches a relevance score afterwards when a Scorer is configured.
// Scores range from 0 (noise) to 10 (act now).
package relevance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/pagewatch/horosafe"
)

// Scorer rates a change between two extracted texts.
type Scorer interface {
	Score(ctx context.Context, oldText, newText string) (*Score, error)
}

// Score is a relevance verdict.
type Score struct {
	Value   float64 `json:"score"`
	Summary string  `json:"summary,omitempty"`
}

// Config configures the HTTP scorer.
type Config struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`   // default 30s
	MaxChars int           `yaml:"max_chars" json:"max_chars"` // per text, default 8000
	Token    string        `yaml:"-" json:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 8000
	}
}

// HTTP posts both texts as JSON to an external scoring endpoint and expects
// {"score": n, "summary": "..."} back.
type HTTP struct {
	cfg    Config
	client *http.Client
}

type scoreRequest struct {
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

// NewHTTP validates the endpoint and returns a scorer.
func NewHTTP(cfg Config) (*HTTP, error) {
	cfg.defaults()
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if _, err := horosafe.ParseHTTPURL(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("relevance: endpoint: %w", err)
	}
	return &HTTP{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

// Score implements Scorer.
func (h *HTTP) Score(ctx context.Context, oldText, newText string) (*Score, error) {
	body, err := json.Marshal(scoreRequest{
		OldText: truncate(oldText, h.cfg.MaxChars),
		NewText: truncate(newText, h.cfg.MaxChars),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", h.cfg.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d from %s: %s", resp.StatusCode, h.cfg.Endpoint, string(respBody))
	}

	var s Score
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	s.Value = Clamp(s.Value)
	return &s, nil
}

// Clamp bounds v to the 0..10 scale.
func Clamp(v float64) float64 {
	return min(max(v, 0), 10)
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Func adapts a plain function to Scorer.
type Func func(ctx context.Context, oldText, newText string) (*Score, error)

// Score implements Scorer.
func (f Func) Score(ctx context.Context, oldText, newText string) (*Score, error) {
	return f(ctx, oldText, newText)
}
