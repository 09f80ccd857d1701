package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

var (
	// ErrRejected is matched by errors returned when the remote service
	// refuses a submission.
	ErrRejected = errors.New("replicate: prediction rejected")
	// ErrFailed is matched by errors returned when a prediction ends in a
	// failed or canceled state.
	ErrFailed = errors.New("replicate: prediction failed")
	// ErrTimeout is returned when polling runs out of attempts before the
	// prediction reaches a terminal state.
	ErrTimeout = errors.New("replicate: prediction timed out")
)

// RejectedError carries the response of a refused submission verbatim.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("replicate: submission returned %d: %s", e.StatusCode, e.Body)
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// FailedError carries the error text reported by the remote service.
type FailedError struct {
	ID      string
	Status  Status
	Message string
}

func (e *FailedError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no error details"
	}
	return fmt.Sprintf("replicate: prediction %s %s: %s", e.ID, e.Status, msg)
}

func (e *FailedError) Unwrap() error {
	return ErrFailed
}

type Status string

const (
	Starting   Status = "starting"
	Processing Status = "processing"
	Succeeded  Status = "succeeded"
	Failed     Status = "failed"
	Canceled   Status = "canceled"
)

type phase int

const (
	pending phase = iota
	succeeded
	failed
)

// phaseOf collapses the remote status into the three states polling cares
// about. Unknown statuses are treated as pending.
func phaseOf(s Status) phase {
	switch s {
	case Succeeded:
		return succeeded
	case Failed, Canceled:
		return failed
	default:
		return pending
	}
}

// IsTerminal reports whether no further status change is expected.
func (s Status) IsTerminal() bool {
	return phaseOf(s) != pending
}

type Prediction struct {
	ID      string  `json:"id"`
	Model   string  `json:"model"`
	Version string  `json:"version"`
	Status  Status  `json:"status"`
	Output  Output  `json:"output"`
	Error   Message `json:"error"`
	Logs    string  `json:"logs"`
	URLs    struct {
		Get    string `json:"get"`
		Cancel string `json:"cancel"`
	} `json:"urls"`
	CreatedAt   *time.Time `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// Output is the downloadable URI of a prediction. The remote service reports
// either a single string or a list of strings; the first entry is kept.
type Output string

func (o *Output) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = ""
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = Output(s)
	case '[':
		var ss []string
		if err := json.Unmarshal(b, &ss); err != nil {
			return err
		}
		*o = ""
		for _, s := range ss {
			if s != "" {
				*o = Output(s)
				break
			}
		}
	default:
		return fmt.Errorf("replicate: unsupported output %s", string(b))
	}
	return nil
}

// Message is the free-text error of a failed prediction. Non-string payloads
// are kept as raw JSON.
type Message string

func (m *Message) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*m = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = Message(s)
		return nil
	}
	*m = Message(b)
	return nil
}

type predictionRequest struct {
	Input any `json:"input"`
}

// Submit creates a prediction on the given endpoint, for example
// "models/meta/musicgen/predictions". It issues exactly one request.
func (c *Client) Submit(ctx context.Context, endpoint string, input any) (*Prediction, error) {
	code, body, err := c.send(ctx, http.MethodPost, endpoint, &predictionRequest{Input: input})
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK && code != http.StatusCreated {
		return nil, &RejectedError{StatusCode: code, Body: string(body)}
	}
	var p Prediction
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("replicate: couldn't unmarshal prediction: %w", err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("replicate: prediction without id: %s", string(body))
	}
	log.Printf("replicate: prediction %s created (%s)\n", p.ID, p.Status)
	return &p, nil
}

// Get reads the current state of a prediction.
func (c *Client) Get(ctx context.Context, p *Prediction) (*Prediction, error) {
	u := p.URLs.Get
	if u == "" {
		u = fmt.Sprintf("predictions/%s", p.ID)
	}
	var resp Prediction
	if _, err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("replicate: couldn't get prediction %s: %w", p.ID, err)
	}
	if resp.ID == "" {
		resp.ID = p.ID
	}
	if resp.URLs.Get == "" {
		resp.URLs = p.URLs
	}
	return &resp, nil
}

// Poll reads the prediction every interval until it succeeds or fails, up to
// maxAttempts reads. Zero values fall back to the client configuration.
// The remote job is not canceled when polling gives up.
func (c *Client) Poll(ctx context.Context, p *Prediction, interval time.Duration, maxAttempts int) (*Prediction, error) {
	if interval <= 0 {
		interval = c.pollInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = c.maxAttempts
	}
	if p.Status.IsTerminal() {
		return outcome(p)
	}
	last := p.Status
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("replicate: polling %s: %w", p.ID, ctx.Err())
		case <-t.C:
		}
		cur, err := c.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		c.log("replicate: poll %s attempt %d/%d status %s", p.ID, attempt, maxAttempts, cur.Status)
		if cur.Status != last {
			log.Printf("replicate: prediction %s %s -> %s\n", p.ID, last, cur.Status)
			last = cur.Status
		}
		if cur.Status.IsTerminal() {
			return outcome(cur)
		}
		p = cur
	}
	return nil, fmt.Errorf("%w: %s still %s after %d attempts", ErrTimeout, p.ID, last, maxAttempts)
}

func outcome(p *Prediction) (*Prediction, error) {
	if phaseOf(p.Status) == failed {
		return nil, &FailedError{ID: p.ID, Status: p.Status, Message: string(p.Error)}
	}
	return p, nil
}
