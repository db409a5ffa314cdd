package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Generator is the narrow view the worker depends on. The production
// implementation is Client; tests substitute a fake.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

type Request struct {
	Prompt      string
	Model       string
	Count       int
	StylePreset string
}

type Result struct {
	Provider Provider
	// Images are vendor-hosted asset URLs; the worker copies them into our own
	// object storage before surfacing them.
	Images []string
}

// Client calls the external generation vendors over plain HTTPS. Every vendor
// is an opaque collaborator: one request in, a set of asset URLs or a typed
// error out.
type Client struct {
	httpClient *http.Client
	log        *slog.Logger

	keys     map[Provider]string
	baseURLs map[Provider]string

	pollEvery time.Duration
}

func NewClientFromEnv(log *slog.Logger) *Client {
	timeout := readEnvDurationSecondsDefault("GENAPI_TIMEOUT_SECONDS", 120*time.Second)
	keys := map[Provider]string{
		ProviderOpenAI:      strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		ProviderStability:   strings.TrimSpace(os.Getenv("STABILITY_API_KEY")),
		ProviderReplicate:   strings.TrimSpace(os.Getenv("REPLICATE_API_TOKEN")),
		ProviderFal:         strings.TrimSpace(os.Getenv("FAL_KEY")),
		ProviderTogether:    strings.TrimSpace(os.Getenv("TOGETHER_API_KEY")),
		ProviderBlackForest: strings.TrimSpace(os.Getenv("BFL_API_KEY")),
		ProviderRunway:      strings.TrimSpace(os.Getenv("RUNWAY_API_KEY")),
		ProviderLuma:        strings.TrimSpace(os.Getenv("LUMA_API_KEY")),
	}
	base := map[Provider]string{
		ProviderOpenAI:      readEnvDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		ProviderStability:   readEnvDefault("STABILITY_BASE_URL", "https://api.stability.ai"),
		ProviderReplicate:   readEnvDefault("REPLICATE_BASE_URL", "https://api.replicate.com"),
		ProviderFal:         readEnvDefault("FAL_BASE_URL", "https://queue.fal.run"),
		ProviderTogether:    readEnvDefault("TOGETHER_BASE_URL", "https://api.together.xyz"),
		ProviderBlackForest: readEnvDefault("BFL_BASE_URL", "https://api.bfl.ml"),
		ProviderRunway:      readEnvDefault("RUNWAY_BASE_URL", "https://api.dev.runwayml.com"),
		ProviderLuma:        readEnvDefault("LUMA_BASE_URL", "https://api.lumalabs.ai"),
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		keys:       keys,
		baseURLs:   base,
		pollEvery:  2 * time.Second,
	}
}

func (c *Client) Generate(ctx context.Context, req Request) (*Result, error) {
	spec, ok := LookupModel(req.Model)
	if !ok {
		return nil, fmt.Errorf("unknown model %q", req.Model)
	}
	if req.Count < 1 {
		req.Count = 1
	}
	var (
		urls []string
		err  error
	)
	if spec.Async {
		urls, err = c.taskGenerate(ctx, spec, req)
	} else {
		urls, err = c.syncGenerate(ctx, spec, req)
	}
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, Classify(errors.New("provider returned no assets"), spec.Provider, spec.Name, 0)
	}
	return &Result{Provider: spec.Provider, Images: urls}, nil
}

// syncGenerate covers vendors whose generation endpoint returns asset URLs
// directly (OpenAI, Stability, Together).
func (c *Client) syncGenerate(ctx context.Context, spec ModelSpec, req Request) ([]string, error) {
	body := map[string]any{
		"model":  spec.Name,
		"prompt": req.Prompt,
		"n":      req.Count,
	}
	if req.StylePreset != "" {
		body["style"] = req.StylePreset
	}
	path := "/v1/images/generations"
	if spec.Provider == ProviderStability {
		path = "/v2beta/stable-image/generate/core"
	}

	var resp struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	status, err := c.doJSON(ctx, spec.Provider, http.MethodPost, path, body, &resp)
	if err != nil {
		return nil, Classify(err, spec.Provider, spec.Name, status)
	}
	if status >= 400 {
		msg := resp.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("http %d", status)
		}
		return nil, Classify(errors.New(msg), spec.Provider, spec.Name, status)
	}
	urls := make([]string, 0, len(resp.Data)+len(resp.Images))
	for _, d := range resp.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	for _, d := range resp.Images {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	return urls, nil
}

// taskGenerate covers vendors with an async task API: create the task, then
// poll until it settles. The call is still bounded — the worker treats the
// whole thing as one synchronous operation under its own deadline.
func (c *Client) taskGenerate(ctx context.Context, spec ModelSpec, req Request) ([]string, error) {
	body := map[string]any{
		"model": spec.Name,
		"input": map[string]any{
			"prompt":      req.Prompt,
			"num_outputs": req.Count,
		},
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	status, err := c.doJSON(ctx, spec.Provider, http.MethodPost, "/v1/tasks", body, &created)
	if err != nil {
		return nil, Classify(err, spec.Provider, spec.Name, status)
	}
	if status >= 400 || created.ID == "" {
		msg := created.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("task create failed: http %d", status)
		}
		return nil, Classify(errors.New(msg), spec.Provider, spec.Name, status)
	}

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, Classify(ctx.Err(), spec.Provider, spec.Name, 0)
		case <-ticker.C:
		}

		var task struct {
			Status string `json:"status"`
			Output []struct {
				URL string `json:"url"`
			} `json:"output"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		status, err := c.doJSON(ctx, spec.Provider, http.MethodGet, "/v1/tasks/"+created.ID, nil, &task)
		if err != nil {
			return nil, Classify(err, spec.Provider, spec.Name, status)
		}
		if status >= 400 {
			return nil, Classify(fmt.Errorf("task poll failed: http %d", status), spec.Provider, spec.Name, status)
		}
		switch strings.ToLower(task.Status) {
		case "succeeded", "completed", "complete":
			urls := make([]string, 0, len(task.Output))
			for _, o := range task.Output {
				if o.URL != "" {
					urls = append(urls, o.URL)
				}
			}
			return urls, nil
		case "failed", "canceled", "cancelled", "error":
			msg := task.Error.Message
			if msg == "" {
				msg = "task failed"
			}
			return nil, Classify(errors.New(msg), spec.Provider, spec.Name, 0)
		}
		// queued/processing: keep polling
	}
}

func (c *Client) doJSON(ctx context.Context, provider Provider, method, path string, body any, out any) (int, error) {
	base := strings.TrimRight(c.baseURLs[provider], "/")
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, base+path, rd)
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setAuth(httpReq, provider)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 400 {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", provider, err)
		}
	}
	if c.log != nil && resp.StatusCode >= 400 {
		c.log.Warn("provider call failed", "provider", provider, "path", path, "status", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// setAuth applies each vendor's auth header convention.
func (c *Client) setAuth(req *http.Request, provider Provider) {
	key := c.keys[provider]
	if key == "" {
		return
	}
	switch provider {
	case ProviderFal:
		req.Header.Set("Authorization", "Key "+key)
	case ProviderBlackForest:
		req.Header.Set("x-key", key)
	case ProviderStability:
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set("Accept", "application/json")
	default:
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvDurationSecondsDefault(key string, defaultVal time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := time.ParseDuration(raw + "s")
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
