package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const maxDocumentBytes = 4 << 20

// Fetcher retrieves a JSON document. It performs a single attempt; callers
// decide how to treat failures.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string) (map[string]any, error)
}

type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher returns a fetcher that authenticates with a bearer token
// when token is non-empty, which lifts GitHub API rate limits.
func NewHTTPFetcher(ctx context.Context, token string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if strings.TrimSpace(token) != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: strings.TrimSpace(token)}))
		client.Timeout = timeout
	}
	return &HTTPFetcher{client: client, userAgent: "spotbuild"}
}

func NewHTTPFetcherWithClient(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{client: client, userAgent: "spotbuild"}
}

func (f *HTTPFetcher) FetchJSON(ctx context.Context, url string) (map[string]any, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("url is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch %s: status=%d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc map[string]any
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentBytes))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return doc, nil
}

// Lookup walks a dotted path through nested objects. Numbers and booleans are
// rendered as strings; anything else yields false.
func Lookup(doc map[string]any, path string) (string, bool) {
	path = strings.TrimSpace(path)
	if doc == nil || path == "" {
		return "", false
	}
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[part]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case json.Number:
		return v.String(), true
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), "."), true
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}
