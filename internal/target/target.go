// Package target builds the callbacks that send probe prompts to the system
// under test. Each endpoint kind has its own Provider; the Registry picks one
// from a job's declared target descriptor.
package target

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Provider sends prompts to one target. Generate never fails: transport or
// remote errors come back as "ERROR: <detail>" so they show up in probe
// results instead of aborting the run. A Provider belongs to a single job
// and must be closed when the job's execution ends.
type Provider interface {
	Generate(ctx context.Context, prompt string) string
	Close() error
}

// Options carries process-wide fallbacks used when a target omits a field.
type Options struct {
	AzureAPIKey     string
	AzureAPIVersion string
	// RequestTimeout bounds a single call to the target. Zero means two
	// minutes.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

func (o Options) timeout() time.Duration {
	if o.RequestTimeout <= 0 {
		return 2 * time.Minute
	}
	return o.RequestTimeout
}

// errorf formats an in-band failure answer.
func errorf(format string, args ...any) string {
	return "ERROR: " + fmt.Sprintf(format, args...)
}

// maxErrorBody caps how much of a failed response is echoed into an answer.
const maxErrorBody = 512

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}

// transport is an HTTP client opened on first use and torn down by Close.
// Each provider owns one, so connections are reused within a job but never
// shared between jobs.
type transport struct {
	timeout time.Duration

	once   sync.Once
	rt     *http.Transport
	client *http.Client
}

func (t *transport) httpClient() *http.Client {
	t.once.Do(func() {
		t.rt = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
		t.client = &http.Client{Transport: t.rt, Timeout: t.timeout}
	})
	return t.client
}

func (t *transport) close() {
	if t.rt != nil {
		t.rt.CloseIdleConnections()
	}
}

// applyAuth sets the credential header for the target's auth method.
func applyAuth(req *http.Request, method, key string) {
	if key == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "none":
	case "api_key", "api-key", "apikey", "header":
		req.Header.Set("api-key", key)
	default:
		req.Header.Set("Authorization", "Bearer "+key)
	}
}
