package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aulasonora/aulasonora/pkg/ratelimit"
)

const defaultBaseURL = "https://api.replicate.com/v1/"

type Client struct {
	client       *http.Client
	debug        bool
	ratelimit    ratelimit.Lock
	token        string
	baseURL      string
	backoff      []time.Duration
	pollInterval time.Duration
	maxAttempts  int
}

type Config struct {
	Token   string
	BaseURL string
	Wait    time.Duration
	Debug   bool
	Client  *http.Client

	// Backoff is the wait table used when a status read hits a transient
	// error. Submissions are never retried.
	Backoff []time.Duration

	PollInterval time.Duration
	MaxAttempts  int
}

const (
	DefaultPollInterval = 3 * time.Second
	DefaultMaxAttempts  = 100
)

var defaultBackoff = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

func New(cfg *Config) *Client {
	wait := cfg.Wait
	if wait == 0 {
		wait = 500 * time.Millisecond
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Timeout: 2 * time.Minute,
		}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Client{
		client:       client,
		debug:        cfg.Debug,
		ratelimit:    ratelimit.New(wait),
		token:        cfg.Token,
		baseURL:      baseURL,
		backoff:      backoff,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

func (c *Client) log(format string, args ...interface{}) {
	if c.debug {
		format += "\n"
		log.Printf(format, args...)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	maxAttempts := len(c.backoff) + 1
	attempts := 0
	var err error
	for {
		if err != nil {
			log.Println("replicate: retrying...", err)
		}
		var b []byte
		b, err = c.doAttempt(ctx, method, path, in, out)
		if err == nil {
			return b, nil
		}
		// Increase attempts and check if we should stop
		attempts++
		if attempts >= maxAttempts {
			return nil, err
		}

		// Network timeouts and gateway errors are worth another try
		var retry bool
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			retry = true
		}
		var errStatus errStatusCode
		if errors.As(err, &errStatus) {
			switch int(errStatus) {
			case http.StatusBadGateway, http.StatusGatewayTimeout, http.StatusTooManyRequests, 520:
				retry = true
			}
		}
		if !retry {
			return nil, err
		}

		waitTime := c.backoff[attempts-1]
		c.log("replicate: server seems to be down, waiting %s before retrying", waitTime)
		t := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

type errStatusCode int

func (e errStatusCode) Error() string {
	return fmt.Sprintf("%d", e)
}

func (c *Client) doAttempt(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	code, respBody, err := c.send(ctx, method, path, in)
	if err != nil {
		return nil, err
	}
	if code < 200 || code >= 300 {
		errMessage := string(respBody)
		if len(errMessage) > 100 {
			errMessage = errMessage[:100] + "..."
		}
		return nil, fmt.Errorf("replicate: %s %s returned (%s): %w", method, path, errMessage, errStatusCode(code))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return nil, fmt.Errorf("replicate: couldn't unmarshal response body (%T): %w", out, err)
		}
	}
	return respBody, nil
}

// send performs a single request and returns the status code and raw body.
func (c *Client) send(ctx context.Context, method, path string, in any) (int, []byte, error) {
	var body []byte
	var reqBody io.Reader
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("replicate: couldn't marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}
	logBody := string(body)
	if len(logBody) > 100 {
		logBody = logBody[:100] + "..."
	}
	c.log("replicate: do %s %s %s", method, path, logBody)

	// Check if path is absolute
	u := c.baseURL + strings.TrimPrefix(path, "/")
	if strings.HasPrefix(path, "http") {
		u = path
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("replicate: couldn't create request: %w", err)
	}
	c.addHeaders(req, in != nil)

	// Only the start of the call is spaced out; requests run concurrently.
	if err := c.ratelimit.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("replicate: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("replicate: couldn't %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("replicate: couldn't read response body: %w", err)
	}
	c.log("replicate: response %s %s %d %s", method, path, resp.StatusCode, string(respBody))
	return resp.StatusCode, respBody, nil
}

func (c *Client) addHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("accept", "application/json")
	if hasBody {
		req.Header.Set("content-type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("authorization", fmt.Sprintf("Token %s", c.token))
	}
	req.Header.Set("user-agent", "aulasonora/1.0")
}
