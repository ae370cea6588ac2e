package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/contract-catalog/internal/clarity"
	"github.com/contract-catalog/internal/enrich"
	"github.com/contract-catalog/internal/logging"
	"github.com/contract-catalog/internal/models"
	"github.com/contract-catalog/internal/retry"
)

const maxResponseBytes = 8 << 20

// ChainClientConfig configures the chain node client
type ChainClientConfig struct {
	BaseURL           string
	Sender            string // Principal used as the sender of read-only calls
	RequestsPerSecond float64
	Attempts          int
	HTTPClient        *http.Client
	// Budget is an optional cross-process request budget, e.g. a ratelimit.Pool
	Budget RequestBudget
}

// RequestBudget blocks until the cost of an operation can be spent
type RequestBudget interface {
	Wait(ctx context.Context, op string) error
}

// ChainClient reads contract interfaces, sources and read-only call results
// from a chain node's HTTP API.
type ChainClient struct {
	baseURL string
	sender  string
	client  *http.Client
	limiter *rate.Limiter
	budget  RequestBudget
	retry   *retry.RetryConfig
}

// NewChainClient creates a new chain node client
func NewChainClient(cfg ChainClientConfig) *ChainClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	return &ChainClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		sender:  cfg.Sender,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		budget:  cfg.Budget,
		retry: &retry.RetryConfig{
			MaxAttempts:  attempts,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			ShouldRetry:  retryable,
		},
	}
}

type callReadRequest struct {
	Sender    string   `json:"sender"`
	Arguments []string `json:"arguments"`
}

type callReadResponse struct {
	Okay   bool   `json:"okay"`
	Result string `json:"result"`
	Cause  string `json:"cause"`
}

type sourceResponse struct {
	Source string `json:"source"`
}

func contractPath(contract string) (string, error) {
	deployer, name, ok := models.SplitContractIdentifier(contract)
	if !ok {
		return "", fmt.Errorf("invalid contract identifier %q", contract)
	}
	return url.PathEscape(deployer) + "/" + url.PathEscape(name), nil
}

// CallReadOnly invokes a zero-argument read-only function. A refused call
// (okay=false) or an unknown contract reports enrich.ErrAbsent.
func (c *ChainClient) CallReadOnly(ctx context.Context, contract, function string) (clarity.Value, error) {
	path, err := contractPath(contract)
	if err != nil {
		return clarity.Value{}, err
	}
	body, err := json.Marshal(callReadRequest{Sender: c.sender, Arguments: []string{}})
	if err != nil {
		return clarity.Value{}, err
	}

	raw, err := c.do(ctx, "call-read", contract, http.MethodPost,
		"/v2/contracts/call-read/"+path+"/"+url.PathEscape(function), body)
	if err != nil {
		return clarity.Value{}, err
	}

	var resp callReadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return clarity.Value{}, &AdapterError{Op: "call-read", Target: contract, Err: fmt.Errorf("decode response: %w", err)}
	}
	if !resp.Okay {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"contract": contract,
			"function": function,
			"cause":    resp.Cause,
		}).Debug("read-only call refused")
		return clarity.Value{}, enrich.ErrAbsent
	}

	v, err := clarity.Decode(resp.Result)
	if err != nil {
		return clarity.Value{}, &AdapterError{Op: "call-read", Target: contract, Err: err}
	}
	return v, nil
}

// ContractInterface returns the raw interface document of a contract
func (c *ChainClient) ContractInterface(ctx context.Context, contract string) (string, error) {
	path, err := contractPath(contract)
	if err != nil {
		return "", err
	}
	raw, err := c.do(ctx, "interface", contract, http.MethodGet, "/v2/contracts/interface/"+path, nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ContractSource returns the published source of a contract
func (c *ChainClient) ContractSource(ctx context.Context, contract string) (string, error) {
	path, err := contractPath(contract)
	if err != nil {
		return "", err
	}
	raw, err := c.do(ctx, "source", contract, http.MethodGet, "/v2/contracts/source/"+path+"?proof=0", nil)
	if err != nil {
		return "", err
	}
	var resp sourceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &AdapterError{Op: "source", Target: contract, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Source == "" {
		return "", enrich.ErrAbsent
	}
	return resp.Source, nil
}

// do issues a request with rate limiting and bounded retries on 429 and 5xx.
// A 404 is explicit absence and is never retried.
func (c *ChainClient) do(ctx context.Context, op, target, method, path string, body []byte) ([]byte, error) {
	var out []byte
	result := retry.WithExponentialBackoff(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if c.budget != nil {
			if err := c.budget.Wait(ctx, op); err != nil {
				return err
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusNotFound {
			return enrich.ErrAbsent
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &AdapterError{
				Op:     op,
				Target: target,
				Status: resp.StatusCode,
				Err:    statusError(resp.StatusCode),
				Wait:   parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			}
		}

		out, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return err
	})
	if !result.Success {
		return nil, result.LastError
	}
	return out, nil
}
