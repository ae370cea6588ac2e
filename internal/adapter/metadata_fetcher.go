package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/contract-catalog/internal/enrich"
)

const maxMetadataBytes = 1 << 20

// MetadataFetcher fetches token metadata documents over http(s) and decodes
// inline data: URIs.
type MetadataFetcher struct {
	client *http.Client
}

// NewMetadataFetcher creates a fetcher. Per-call deadlines come from ctx.
func NewMetadataFetcher(client *http.Client) *MetadataFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MetadataFetcher{client: client}
}

// FetchMetadata retrieves and decodes the document at uri
func (f *MetadataFetcher) FetchMetadata(ctx context.Context, uri string) (*enrich.TokenMetadata, error) {
	uri = strings.TrimSpace(uri)
	lower := strings.ToLower(uri)

	var body []byte
	switch {
	case strings.HasPrefix(lower, "data:"):
		b, err := decodeDataURI(uri)
		if err != nil {
			return nil, &AdapterError{Op: "metadata", Target: "data-uri", Err: err}
		}
		body = b
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		b, err := f.get(ctx, uri)
		if err != nil {
			return nil, err
		}
		body = b
	default:
		return nil, &AdapterError{Op: "metadata", Target: uri, Err: ErrUnsupportedURI}
	}

	var md enrich.TokenMetadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, &AdapterError{Op: "metadata", Target: uri, Err: fmt.Errorf("decode document: %w", err)}
	}
	return &md, nil
}

func (f *MetadataFetcher) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &AdapterError{Op: "metadata", Target: uri, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, enrich.ErrAbsent
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &AdapterError{Op: "metadata", Target: uri, Status: resp.StatusCode, Err: statusError(resp.StatusCode)}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
}

// decodeDataURI returns the payload of data:[<mediatype>][;base64],<data>
func decodeDataURI(uri string) ([]byte, error) {
	rest := uri[len("data:"):]
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, fmt.Errorf("malformed data uri")
	}
	meta, data := rest[:comma], rest[comma+1:]

	if strings.HasSuffix(strings.ToLower(meta), ";base64") {
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			// some minters drop padding
			b, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
		}
		return b, err
	}
	s, err := url.PathUnescape(data)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}
