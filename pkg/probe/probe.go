package probe

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"
)

// Kind selects how a probe reaches its target.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindTCP     Kind = "tcp"
	KindCommand Kind = "command"
)

// Result is the outcome of a single check.
type Result struct {
	Healthy   bool          `json:"healthy"`
	Message   string        `json:"message"`
	CheckedAt time.Time     `json:"checked_at"`
	Duration  time.Duration `json:"duration"`
}

// Checker performs one kind of environment check. Implementations must
// honor ctx cancellation; the Monitor bounds every call with the
// probe's timeout.
type Checker interface {
	Check(ctx context.Context) Result
	Kind() Kind
}

// HTTPChecker reports healthy when the target URL answers with a
// status inside the accepted range.
type HTTPChecker struct {
	URL       string
	Method    string
	StatusMin int
	StatusMax int
	Client    *http.Client
}

// NewHTTPChecker builds a GET checker accepting 200-399.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Method:    http.MethodGet,
		StatusMin: 200,
		StatusMax: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithMethod overrides the request method.
func (h *HTTPChecker) WithMethod(method string) *HTTPChecker {
	h.Method = method
	return h
}

// WithStatusRange overrides the accepted status range.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.StatusMin = min
	h.StatusMax = max
	return h
}

// Check implements Checker.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("building request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.StatusMin, h.StatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Kind implements Checker.
func (h *HTTPChecker) Kind() Kind { return KindHTTP }

// TCPChecker reports healthy when the target address accepts a
// connection.
type TCPChecker struct {
	Address string
}

// NewTCPChecker builds a checker for host:port.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address}
}

// Check implements Checker.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("dial failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("connected to %s", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Kind implements Checker.
func (t *TCPChecker) Kind() Kind { return KindTCP }

// CommandChecker reports healthy when the command exits zero.
type CommandChecker struct {
	Command []string
}

// NewCommandChecker builds a checker for argv-style commands.
func NewCommandChecker(command []string) *CommandChecker {
	return &CommandChecker{Command: command}
}

// Check implements Checker.
func (c *CommandChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(c.Command) == 0 {
		return Result{
			Message:   "no command configured",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("%s: %v", c.Command[0], err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s: %s", message, clip(stderr.String()))
		}
		return Result{
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	message := fmt.Sprintf("%s: exit 0", c.Command[0])
	if stdout.Len() > 0 {
		message = fmt.Sprintf("%s: %s", c.Command[0], clip(stdout.String()))
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Kind implements Checker.
func (c *CommandChecker) Kind() Kind { return KindCommand }

const messageLimit = 200

func clip(s string) string {
	s = string(bytes.TrimSpace([]byte(s)))
	if len(s) > messageLimit {
		return s[:messageLimit] + "..."
	}
	return s
}
