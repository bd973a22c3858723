package cli

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

	"github.com/ashureev/webpresence/internal/api"
	"github.com/ashureev/webpresence/internal/domain"
)

const requestTimeout = 5 * time.Second

// errRelayDown is returned when the relay cannot be reached at all.
var errRelayDown = errors.New("relay is not running")

// relayClient talks to the control API of a running relay.
type relayClient struct {
	base string
	http *http.Client
}

func newRelayClient(base string) *relayClient {
	return &relayClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

func (c *relayClient) Status(ctx context.Context) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *relayClient) Toggle(ctx context.Context, enabled *bool) (bool, error) {
	var out api.ToggleResponse
	if err := c.do(ctx, http.MethodPost, "/api/toggle", api.ToggleRequest{Enabled: enabled}, &out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

func (c *relayClient) UpdatePreferences(ctx context.Context, patch domain.PreferencesPatch) (domain.Preferences, error) {
	var out api.PreferencesResponse
	if err := c.do(ctx, http.MethodPost, "/api/preferences", api.PreferencesRequest{Preferences: &patch}, &out); err != nil {
		return domain.Preferences{}, err
	}
	return out.Preferences, nil
}

func (c *relayClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errRelayDown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("relay returned %s", resp.Status)
		}
		return fmt.Errorf("relay returned %s: %s", resp.Status, apiErr.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
