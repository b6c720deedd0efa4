package explain

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/warden/pkg/model"
)

const (
	narrativeCacheSize     = 512
	narrativeCommandLimit  = 500
	placeholderCommandCut  = 200
	defaultRequestTimeout  = 20 * time.Second
	defaultCompletionModel = "gpt-4o-mini"
)

// NarrativeConfig wires an OpenAI-compatible chat completion backend. An
// empty Endpoint disables remote generation and the explainer falls back to
// the deterministic placeholder.
type NarrativeConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// NarrativeExplainer produces a short analyst briefing for a detection,
// either from a chat backend or from a local placeholder template. Results
// are cached per process+command so repeated submissions of the same command
// line do not re-query the backend.
type NarrativeExplainer struct {
	cfg    NarrativeConfig
	client *http.Client
	cache  *lru.Cache[string, string]
	logger zerolog.Logger
}

// NewNarrativeExplainer builds the explainer. Cache construction only fails
// on a non-positive size, so the error is treated as fatal misuse.
func NewNarrativeExplainer(cfg NarrativeConfig, logger zerolog.Logger) *NarrativeExplainer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.Model == "" {
		cfg.Model = defaultCompletionModel
	}
	cache, err := lru.New[string, string](narrativeCacheSize)
	if err != nil {
		panic(fmt.Sprintf("narrative cache: %v", err))
	}
	return &NarrativeExplainer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logger.With().Str("component", "narrative_explainer").Logger(),
	}
}

// Explain returns the narrative for one detection. Backend failures fall
// through to the placeholder with the error returned alongside it, so the
// caller always gets usable text. Only real narratives are cached when a
// backend is configured; a placeholder produced during an outage is not,
// leaving the next call free to retry.
func (e *NarrativeExplainer) Explain(ctx context.Context, ev model.Event, score float64, topFeatures []string) (string, error) {
	key := cacheKey(ev.ProcessName, ev.CommandLine)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	if e.cfg.Endpoint == "" {
		narrative := e.placeholder(ev, score)
		e.cache.Add(key, narrative)
		return narrative, nil
	}

	generated, err := e.generate(ctx, ev, score, topFeatures)
	if err != nil {
		e.logger.Warn().Err(err).Str("process", ev.ProcessName).Msg("Narrative generation failed, using placeholder")
		return e.placeholder(ev, score), err
	}
	e.cache.Add(key, generated)
	return generated, nil
}

func (e *NarrativeExplainer) placeholder(ev model.Event, score float64) string {
	return fmt.Sprintf(
		"Process '%s' executed: %s. The ensemble assigned a malicious score of %.2f. Automated narrative unavailable; review the attribution features for context.",
		ev.ProcessName, truncate(ev.CommandLine, placeholderCommandCut), score)
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *NarrativeExplainer) generate(ctx context.Context, ev model.Event, score float64, topFeatures []string) (string, error) {
	prompt := fmt.Sprintf(
		"A Windows process creation event was flagged by a detection ensemble.\n"+
			"Process: %s\nParent: %s\nCommand line: %s\nMalicious score: %.3f\nTop contributing features: %s\n\n"+
			"Write a brief analyst summary covering: (1) what this command does, (2) why it was flagged, "+
			"(3) a risk level of Low, Medium, or High, and (4) recommended next steps.",
		ev.ProcessName, ev.ParentImage, truncate(ev.CommandLine, narrativeCommandLimit), score,
		strings.Join(topFeatures, ", "))

	body, err := json.Marshal(chatRequest{
		Model: e.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a SOC analyst assistant explaining endpoint detections."},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   400,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat backend request: %w", err)
	}
	defer resp.Body.Close()

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if decoded.Error != nil {
			msg = decoded.Error.Message
		}
		return "", fmt.Errorf("chat backend returned %d: %s", resp.StatusCode, msg)
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("chat backend returned no content")
	}
	return strings.TrimSpace(decoded.Choices[0].Message.Content), nil
}

func cacheKey(process, command string) string {
	sum := sha256.Sum256([]byte(process + "\x00" + command))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
