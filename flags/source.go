package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPSource fetches a flag→value JSON map from a remote flag service.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func NewHTTPSource(url string) *HTTPSource {
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build flag request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch flags: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flag service returned status %s", resp.Status)
	}

	var flags map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&flags); err != nil {
		return nil, fmt.Errorf("decode flag payload: %w", err)
	}
	return flags, nil
}

// DefaultFlags is the built-in flag set used before the first refresh and
// when no remote source is configured.
func DefaultFlags() map[string]any {
	return map[string]any{
		"compression_enabled":           true,
		"compression_enabled:emergency": true,
		"advanced_codec":                false,
	}
}
