// Package rangefetch implements C9: fetching the byte range a resolved
// pointer record names out of its WARC file over HTTP, with retries,
// sha256 verification against a caller-supplied digest
// (Request.ExpectedSHA256) when present, and
// optional netrc-sourced basic auth, grounded on the same otelhttp
// transport and auth pattern the teacher's upstream cache client uses.
package rangefetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/endomorphosis/ccpointers/pkg/circuitbreaker"
	"github.com/endomorphosis/ccpointers/pkg/lock"
)

// ErrUnexpectedStatus is returned when the upstream responds with
// anything but 206 Partial Content; a 200 means the Range header was
// ignored and the body is not the requested range.
var ErrUnexpectedStatus = errors.New("rangefetch: unexpected HTTP status code")

// ErrDigestMismatch is returned when a fetched range's sha256 does not
// match the expected digest.
var ErrDigestMismatch = errors.New("rangefetch: digest mismatch")

// ErrCircuitOpen is returned when a host's circuit breaker is currently open.
var ErrCircuitOpen = errors.New("rangefetch: circuit open for host")

const (
	defaultDialerTimeout         = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
)

// Credentials holds basic-auth credentials sourced from a netrc file,
// mirroring the teacher's NetrcCredentials shape.
type Credentials struct {
	Username string
	Password string
}

// CredentialSource resolves per-host basic-auth credentials, typically
// backed by a parsed netrc file.
type CredentialSource interface {
	Lookup(host string) (Credentials, bool)
}

// Options configures a Fetcher.
type Options struct {
	Credentials           CredentialSource
	DialerTimeout         time.Duration
	ResponseHeaderTimeout time.Duration
	RetryConfig           lock.RetryConfig
	BreakerThreshold      int
	BreakerTimeout        time.Duration
}

// Fetcher issues Range GET requests against WARC file URLs.
type Fetcher struct {
	client *http.Client
	creds  CredentialSource
	retry  lock.RetryConfig

	breakerThreshold int
	breakerTimeout   time.Duration

	breakersMu sync.Mutex
	breakers   map[string]*circuitbreaker.CircuitBreaker
}

// New builds a Fetcher. A zero Options uses the teacher's default
// dialer/response-header timeouts and lock.DefaultRetryConfig: 3
// attempts with jittered exponential backoff.
func New(opts Options) *Fetcher {
	dialerTimeout := opts.DialerTimeout
	if dialerTimeout <= 0 {
		dialerTimeout = defaultDialerTimeout
	}

	respTimeout := opts.ResponseHeaderTimeout
	if respTimeout <= 0 {
		respTimeout = defaultResponseHeaderTimeout
	}

	retry := opts.RetryConfig
	if retry.MaxAttempts <= 0 {
		retry = lock.DefaultRetryConfig()
	}

	breakerThreshold := opts.BreakerThreshold
	if breakerThreshold <= 0 {
		breakerThreshold = circuitbreaker.DefaultThreshold
	}

	breakerTimeout := opts.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = circuitbreaker.DefaultTimeout
	}

	dt, ok := http.DefaultTransport.(*http.Transport)

	var transport *http.Transport
	if ok {
		transport = dt.Clone()
	} else {
		transport = &http.Transport{}
	}

	transport.DialContext = (&net.Dialer{Timeout: dialerTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = respTimeout

	return &Fetcher{
		client:           &http.Client{Transport: otelhttp.NewTransport(transport)},
		creds:            opts.Credentials,
		retry:            retry,
		breakerThreshold: breakerThreshold,
		breakerTimeout:   breakerTimeout,
		breakers:         make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// Request names the byte range to fetch out of warcURL.
type Request struct {
	WARCURL        string
	Offset         int64
	Length         int64
	ExpectedSHA256 string // optional; empty skips verification
}

// Result is the fetched range, already verified if a digest was given.
type Result struct {
	Body   []byte
	SHA256 string
}

// Fetch retrieves req's byte range, retrying transient failures with
// exponential backoff and short-circuiting via a per-host circuit
// breaker once a host has failed consistently.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Result, error) {
	u, err := url.Parse(req.WARCURL)
	if err != nil {
		return Result{}, fmt.Errorf("rangefetch: error parsing URL %q: %w", req.WARCURL, err)
	}

	breaker := f.breakerFor(u.Hostname())

	var lastErr error

	for attempt := 0; attempt < f.retry.MaxAttempts; attempt++ {
		if !breaker.AllowRequest() {
			return Result{}, fmt.Errorf("%w: %s", ErrCircuitOpen, u.Hostname())
		}

		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(lock.CalculateBackoff(f.retry, attempt)):
			}
		}

		body, err := f.attempt(ctx, u, req)
		if err == nil {
			breaker.RecordSuccess()

			sum := sha256.Sum256(body)
			gotDigest := hex.EncodeToString(sum[:])

			if req.ExpectedSHA256 != "" && gotDigest != req.ExpectedSHA256 {
				return Result{}, fmt.Errorf("%w: %s", ErrDigestMismatch, req.WARCURL)
			}

			return Result{Body: body, SHA256: gotDigest}, nil
		}

		breaker.RecordFailure()
		lastErr = err

		zerolog.Ctx(ctx).Warn().Err(err).Str("url", req.WARCURL).Int("attempt", attempt).
			Msg("rangefetch: attempt failed, retrying")
	}

	return Result{}, fmt.Errorf("rangefetch: error fetching %q after %d attempts: %w",
		req.WARCURL, f.retry.MaxAttempts, lastErr)
}

// partSuffix is appended to outPath while a fetch is still streaming to
// disk, matching the pipeline's convention of never publishing a partial
// artifact under its final name (pkg/pointerstore, pkg/storage/local).
const partSuffix = ".part"

// FetchToFile fetches req's byte range and writes it to outPath, via a
// "<outPath>.part" temp file renamed into place only once the response
// has been fully read and, if ExpectedSHA256 was given, verified.
func (f *Fetcher) FetchToFile(ctx context.Context, req Request, outPath string) error {
	res, err := f.Fetch(ctx, req)
	if err != nil {
		return err
	}

	partPath := outPath + partSuffix

	if err := os.WriteFile(partPath, res.Body, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("rangefetch: error writing %q: %w", partPath, err)
	}

	if err := os.Rename(partPath, outPath); err != nil {
		_ = os.Remove(partPath)

		return fmt.Errorf("rangefetch: error publishing %q: %w", outPath, err)
	}

	return nil
}

func (f *Fetcher) attempt(ctx context.Context, u *url.URL, req Request) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("rangefetch: error building request: %w", err)
	}

	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Offset, req.Offset+req.Length-1))
	f.addAuth(httpReq, u.Hostname())

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rangefetch: error performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, req.Length))
	if err != nil {
		return nil, fmt.Errorf("rangefetch: error reading body: %w", err)
	}

	return body, nil
}

func (f *Fetcher) addAuth(req *http.Request, host string) {
	if f.creds == nil {
		return
	}

	creds, ok := f.creds.Lookup(host)
	if !ok {
		return
	}

	req.SetBasicAuth(creds.Username, creds.Password)
}

func (f *Fetcher) breakerFor(host string) *circuitbreaker.CircuitBreaker {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()

	if b, ok := f.breakers[host]; ok {
		return b
	}

	b := circuitbreaker.New(f.breakerThreshold, f.breakerTimeout)
	f.breakers[host] = b

	return b
}
