package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gridsweep/pkg/retry"
)

// DefaultTimeout bounds a single catalog request.
const DefaultTimeout = 30 * time.Second

// ClientConfig configures the HTTP catalog client.
type ClientConfig struct {
	// BaseURL is the service root, e.g. https://catalog.example.org/api.
	BaseURL string

	// Timeout bounds each request. Zero uses DefaultTimeout.
	Timeout time.Duration

	// Retry bounds retries of transient failures.
	Retry retry.Config

	// RateLimit caps requests per second. Zero disables pacing.
	RateLimit float64

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client

	Logger *zap.Logger
}

// Client talks to the catalog HTTP API.
//
// Client is safe for concurrent use. Time spent in requests, including
// retries and backoff, is accumulated and reported by Elapsed.
type Client struct {
	base    *url.URL
	http    *http.Client
	retry   retry.Config
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	elapsed time.Duration
	calls   int
}

var _ Catalog = (*Client)(nil)

// NewClient creates a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("catalog url is required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid catalog url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid catalog url %q: scheme must be http or https", raw)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:    base,
		http:    hc,
		retry:   cfg.Retry,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Elapsed returns the total time spent in catalog calls.
func (c *Client) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Calls returns the number of catalog operations issued.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Query returns the sorted names of files matching expr.
func (c *Client) Query(ctx context.Context, expr string) ([]string, error) {
	var names []string
	q := url.Values{"query": {expr}}
	if err := c.do(ctx, "Query", "", http.MethodGet, "/files/list?"+q.Encode(), nil, &names); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Declare creates a record.
func (c *Client) Declare(ctx context.Context, rec Record) error {
	return c.do(ctx, "Declare", rec.FileName, http.MethodPost, "/files", rec, nil)
}

// Metadata returns the named record.
func (c *Client) Metadata(ctx context.Context, name string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, "Metadata", name, http.MethodGet, "/files/name/"+url.PathEscape(name)+"/metadata", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// AddLocation attaches a storage location to a record.
func (c *Client) AddLocation(ctx context.Context, name, location string) error {
	body := map[string]string{"location": location}
	err := c.do(ctx, "AddLocation", name, http.MethodPost, "/files/name/"+url.PathEscape(name)+"/locations", body, nil)
	if IsConflict(err) {
		return nil
	}
	return err
}

// Retire removes a record.
func (c *Client) Retire(ctx context.Context, name string) error {
	err := c.do(ctx, "Retire", name, http.MethodDelete, "/files/name/"+url.PathEscape(name), nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// DescribeDefinition returns the named definition.
func (c *Client) DescribeDefinition(ctx context.Context, name string) (*Definition, error) {
	var def Definition
	if err := c.do(ctx, "DescribeDefinition", name, http.MethodGet, "/definitions/name/"+url.PathEscape(name)+"/describe", nil, &def); err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = name
	}
	return &def, nil
}

// CreateDefinition creates a definition.
func (c *Client) CreateDefinition(ctx context.Context, def Definition) error {
	err := c.do(ctx, "CreateDefinition", def.Name, http.MethodPost, "/definitions/create", def, nil)
	if IsConflict(err) {
		return nil
	}
	return err
}

// do issues one logical operation with retries on transient failures.
func (c *Client) do(ctx context.Context, op, name, method, path string, in, out any) error {
	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.elapsed += time.Since(start)
		c.calls++
		c.mu.Unlock()
	}()

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Name: name, Err: fmt.Errorf("encode request: %w", err)}
		}
	}

	err := retry.Do(ctx, c.retry, func(attempt int) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		err := c.roundTrip(ctx, op, name, method, path, body, out)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return retry.Permanent(err)
		}
		c.logger.Debug("Catalog request failed, retrying",
			zap.String("op", op),
			zap.String("name", name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, name, method, path string, body []byte, out any) error {
	target := c.base.String() + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &Error{Op: op, Name: name, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &Error{Op: op, Name: name, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorResponse(op, name, resp)
	}

	if out != nil {
		decodeErr := json.NewDecoder(resp.Body).Decode(out)
		if closeErr := drainAndClose(resp); closeErr != nil && decodeErr == nil {
			decodeErr = closeErr
		}
		if decodeErr != nil {
			return &Error{Op: op, Name: name, Status: resp.StatusCode, Err: fmt.Errorf("%w: decode response: %w", ErrUnavailable, decodeErr)}
		}
		return nil
	}
	if err := drainAndClose(resp); err != nil {
		return &Error{Op: op, Name: name, Status: resp.StatusCode, Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
	}
	return nil
}

func errorResponse(op, name string, resp *http.Response) error {
	msg, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	closeErr := drainAndClose(resp)

	sentinel := classifyStatus(resp.StatusCode)
	detail := strings.TrimSpace(string(msg))
	var err error
	if detail != "" {
		err = fmt.Errorf("%w: %s", sentinel, detail)
	} else {
		err = sentinel
	}
	if joined := errors.Join(readErr, closeErr); joined != nil {
		err = fmt.Errorf("%w (%v)", err, joined)
	}
	return &Error{Op: op, Name: name, Status: resp.StatusCode, Err: err}
}

func drainAndClose(resp *http.Response) error {
	_, drainErr := io.Copy(io.Discard, resp.Body)
	closeErr := resp.Body.Close()
	if drainErr != nil || closeErr != nil {
		return errors.Join(drainErr, closeErr)
	}
	return nil
}
