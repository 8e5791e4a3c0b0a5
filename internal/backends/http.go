package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// httpBackend carries the plumbing shared by the Loki and Tempo clients.
type httpBackend struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

func newHTTPBackend(name, baseURL string, timeout time.Duration) httpBackend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return httpBackend{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (b httpBackend) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return b.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (b httpBackend) getJSON(ctx context.Context, p string, params url.Values, out any) error {
	if b.baseURL == "" {
		return fmt.Errorf("%s base URL not configured", b.name)
	}
	endpoint := b.resolvePath(p)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %s: %s", b.name, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", b.name, err)
	}
	return nil
}
