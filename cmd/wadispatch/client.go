package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/wadispatch/internal/config"
)

var (
	apiURL string
	apiKey string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "operator API base URL (default: derived from api.listen_addr)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "operator API key (default: api.api_key)")
}

// apiClient calls the operator API of a running instance
type apiClient struct {
	baseURL string
	key     string
	http    *http.Client
}

func newAPIClient(cfg *config.APIConfig) *apiClient {
	base := apiURL
	if base == "" {
		addr := cfg.ListenAddr
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
		base = "http://" + addr
	}
	key := apiKey
	if key == "" {
		key = cfg.APIKey
	}
	return &apiClient{
		baseURL: strings.TrimRight(base, "/"),
		key:     key,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends the request and decodes a 2xx JSON body into out
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("API error: %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
