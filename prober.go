package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/guregu/null/v5"
)

// MaxRedirects is the number of redirects a probe follows before failing.
const MaxRedirects = 5

// Classified transport failures, stored verbatim as the check's error message.
const (
	ProbeErrorTimeout            = "timeout"
	ProbeErrorDNS                = "dns resolution failed"
	ProbeErrorConnectionRefused  = "connection refused"
	ProbeErrorCertificateExpired = "tls certificate expired"
	ProbeErrorTLS                = "tls handshake failed"
	ProbeErrorTooManyRedirects   = "too many redirects"
	ProbeErrorGeneric            = "request failed"
)

const defaultUserAgent = "upwatch/1.0"

// maxDrainBytes bounds how much of a response body is read so the
// connection can be reused.
const maxDrainBytes = 64 << 10

var errTooManyRedirects = errors.New("stopped after too many redirects")

type ProbeTarget struct {
	URL                string
	Method             string
	Timeout            time.Duration
	ExpectedStatusCode int
	Headers            []Header
}

type ProbeOutcome struct {
	Success         bool
	LatencyMs       int64
	StatusCode      null.Int
	ErrorMessage    null.String
	ResponseHeaders map[string]string
	Timings         ProbeTimings
}

// ProbeExecutor performs exactly one network probe and classifies the result.
type ProbeExecutor interface {
	Execute(ctx context.Context, target ProbeTarget) ProbeOutcome
}

type Prober struct {
	transport http.RoundTripper
	userAgent string
}

type ProberOptions struct {
	// Transport is shared between probes. Defaults to a dedicated transport
	// with keep-alives disabled so every probe measures a fresh connection.
	Transport http.RoundTripper
	UserAgent string
}

func NewProber(options ProberOptions) *Prober {
	if options.Transport == nil {
		options.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			DisableKeepAlives:     true,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}
	if options.UserAgent == "" {
		options.UserAgent = defaultUserAgent
	}
	return &Prober{
		transport: options.Transport,
		userAgent: options.UserAgent,
	}
}

func (p *Prober) Execute(ctx context.Context, target ProbeTarget) ProbeOutcome {
	span := sentry.StartSpan(ctx, "http.client", sentry.WithDescription(target.Method+" "+target.URL))
	ctx = span.Context()
	defer span.Finish()

	ctx, cancel := context.WithTimeout(ctx, target.Timeout)
	defer cancel()

	tracer := NewProbeTracer()
	ctx = httptrace.WithClientTrace(ctx, tracer.ClientTrace())

	start := time.Now()
	request, err := http.NewRequestWithContext(ctx, target.Method, target.URL, nil)
	if err != nil {
		return ProbeOutcome{
			Success:      false,
			LatencyMs:    0,
			ErrorMessage: null.StringFrom(ProbeErrorGeneric),
		}
	}
	request.Header.Set("User-Agent", p.userAgent)
	for _, header := range target.Headers {
		if header.Key == "" {
			continue
		}
		request.Header.Set(header.Key, header.Value)
	}

	client := &http.Client{
		Transport: p.transport,
		Timeout:   target.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > MaxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}

	response, err := client.Do(request)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		message := classifyTransportError(err)
		slog.DebugContext(ctx, "probe transport failure", slog.String("url", target.URL), slog.String("category", message), slog.String("error", err.Error()))
		span.Status = sentry.SpanStatusUnavailable
		return ProbeOutcome{
			Success:      false,
			LatencyMs:    latency,
			ErrorMessage: null.StringFrom(message),
			Timings:      tracer.Timings(),
		}
	}
	defer func() {
		if response.Body != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, maxDrainBytes))
			_ = response.Body.Close()
		}
	}()

	success := response.StatusCode == target.ExpectedStatusCode
	outcome := ProbeOutcome{
		Success:         success,
		LatencyMs:       latency,
		StatusCode:      null.IntFrom(int64(response.StatusCode)),
		ResponseHeaders: flattenHeaders(response.Header),
		Timings:         tracer.Timings(),
	}
	if !success {
		outcome.ErrorMessage = null.StringFrom(fmt.Sprintf("expected status %d, got %d", target.ExpectedStatusCode, response.StatusCode))
	}
	span.SetData("http.response.status_code", response.StatusCode)
	return outcome
}

// flattenHeaders joins multi-valued headers (set-cookie and friends) with ", ".
func flattenHeaders(header http.Header) map[string]string {
	flattened := make(map[string]string, len(header))
	for key, values := range header {
		flattened[key] = strings.Join(values, ", ")
	}
	return flattened
}

func classifyTransportError(err error) string {
	var netErr net.Error
	var dnsErr *net.DNSError
	var certInvalid x509.CertificateInvalidError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certVerification *tls.CertificateVerificationError
	var recordHeader tls.RecordHeaderError

	switch {
	case errors.Is(err, errTooManyRedirects):
		return ProbeErrorTooManyRedirects
	case errors.As(err, &dnsErr) && !dnsErr.IsTimeout:
		return ProbeErrorDNS
	case errors.Is(err, context.DeadlineExceeded):
		return ProbeErrorTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return ProbeErrorTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ProbeErrorConnectionRefused
	case errors.As(err, &certInvalid) && certInvalid.Reason == x509.Expired:
		return ProbeErrorCertificateExpired
	case errors.As(err, &certInvalid),
		errors.As(err, &unknownAuthority),
		errors.As(err, &hostnameErr),
		errors.As(err, &certVerification),
		errors.As(err, &recordHeader):
		return ProbeErrorTLS
	default:
		return ProbeErrorGeneric
	}
}
