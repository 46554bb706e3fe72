package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mudforge/driver/internal/daemon"
)

// adminBaseURL returns the base URL of a locally running driver's HTTP API,
// overridable with --host/--port so admin commands can reach a driver
// bound somewhere other than its defaults.
func adminBaseURL(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 4000
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

var adminClient = &http.Client{Timeout: 5 * time.Second}

// adminGet fetches a JSON object from a running driver's admin API.
func adminGet(url string) (map[string]any, error) {
	resp, err := adminClient.Get(url)
	if err != nil {
		return nil, fmt.Errorf("reach driver at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("driver returned %s: %v", resp.Status, out["error"])
	}
	return out, nil
}

// adminPost posts to a running driver's admin API with no body, sending the
// locally configured driver.admin_token as the X-Admin-Token header, and
// returns the decoded JSON response.
func adminPost(url string) (map[string]any, error) {
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg, err := daemon.LoadConfig(); err == nil && cfg.Driver.AdminToken != "" {
		req.Header.Set("X-Admin-Token", cfg.Driver.AdminToken)
	}
	resp, err := adminClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reach driver at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("driver returned %s: %v", resp.Status, out["error"])
	}
	return out, nil
}
