package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ringflow/dialer/internal/metrics"
)

// Config tunes the HTTP provider client.
type Config struct {
	BaseURL     string
	APIKey      string
	CallbackURL string
	CPS         float64 // calls per second across all campaigns
	Timeout     time.Duration
	MaxRetries  int
}

// HTTPProvider is the production Provider over the provider's REST API.
// A process-wide limiter throttles call creation to the contracted CPS.
type HTTPProvider struct {
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPProvider builds the client with retry and rate limiting wired in.
func NewHTTPProvider(cfg Config, logger zerolog.Logger) *HTTPProvider {
	if cfg.CPS <= 0 {
		cfg.CPS = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = retryLogger{logger.With().Str("component", "telephony").Logger()}

	burst := int(cfg.CPS)
	if burst < 1 {
		burst = 1
	}

	return &HTTPProvider{
		client:  rc.StandardClient(),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.CPS), burst),
		logger:  logger,
	}
}

// CreateCall places one outbound call. Blocks on the CPS limiter first, so
// callers should pass a context they are willing to wait on.
func (p *HTTPProvider) CreateCall(ctx context.Context, req CreateCallRequest) (CreateCallResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return CreateCallResponse{}, fmt.Errorf("cps limiter wait aborted: %w", err)
	}
	if req.CallbackURL == "" {
		req.CallbackURL = p.cfg.CallbackURL
	}

	start := time.Now()
	var resp CreateCallResponse
	err := p.post(ctx, "/v1/calls", req, &resp)
	metrics.ObserveTelephonyCreate(time.Since(start))
	if err != nil {
		return CreateCallResponse{}, err
	}
	return resp, nil
}

// Hangup tears down a live call.
func (p *HTTPProvider) Hangup(ctx context.Context, providerRef string) error {
	return p.post(ctx, "/v1/calls/"+providerRef+"/hangup", struct{}{}, nil)
}

func (p *HTTPProvider) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telephony request marshal failed: %w", err)
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("telephony request build failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("telephony request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("telephony response decode failed: %w", err)
	}
	return nil
}

// retryLogger adapts retryablehttp's leveled logger onto zerolog.
type retryLogger struct {
	l zerolog.Logger
}

func (r retryLogger) Error(msg string, kv ...interface{}) { r.l.Error().Fields(kv).Msg(msg) }
func (r retryLogger) Warn(msg string, kv ...interface{})  { r.l.Warn().Fields(kv).Msg(msg) }
func (r retryLogger) Info(msg string, kv ...interface{})  { r.l.Debug().Fields(kv).Msg(msg) }
func (r retryLogger) Debug(msg string, kv ...interface{}) { r.l.Trace().Fields(kv).Msg(msg) }
