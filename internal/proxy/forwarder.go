// Package proxy issues authorized requests to upstream APIs.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/broker/internal/errors"
)

// Request is an outbound call to an upstream API.
type Request struct {
	Method    string
	TargetURL string // fully expanded target
	RawQuery  string // inbound query, appended to TargetURL
	Header    http.Header
	Body      []byte
	Token     string
	Timeout   time.Duration
}

// Response is the upstream reply, relayed as is.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder sends Requests over a shared transport.
type Forwarder struct {
	client *http.Client
	tracer trace.Tracer
}

// NewForwarder creates a forwarder using rt, or http.DefaultTransport when
// rt is nil. Redirects are returned to the caller rather than followed.
func NewForwarder(rt http.RoundTripper) *Forwarder {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Forwarder{
		client: &http.Client{
			Transport: rt,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tracer: otel.Tracer("github.com/wudi/broker/internal/proxy"),
	}
}

// Forward performs req. Upstream status codes are not interpreted; only
// transport failures are returned as errors.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	target, err := url.Parse(req.TargetURL)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnclassified, "invalid target url")
	}
	if req.RawQuery != "" {
		if target.RawQuery != "" {
			target.RawQuery += "&" + req.RawQuery
		} else {
			target.RawQuery = req.RawQuery
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	ctx, span := f.tracer.Start(ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", target.Host),
		))
	defer span.End()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnclassified, "building upstream request")
	}

	out.Header = make(http.Header, len(req.Header)+1)
	for k, vv := range req.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		out.Header[k] = append([]string(nil), vv...)
	}
	out.Header.Set("Authorization", "Bearer "+req.Token)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	resp, err := f.client.Do(out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unreachable")
		return nil, transportError(ctx, err, target.Host)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reading upstream response")
		return nil, transportError(ctx, err, target.Host)
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	header := resp.Header.Clone()
	removeHopHeaders(header)
	return &Response{StatusCode: resp.StatusCode, Header: header, Body: respBody}, nil
}

// transportError classifies a failed exchange with host.
func transportError(ctx context.Context, err error, host string) *errors.BrokerError {
	var ne net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.As(err, &ne) && ne.Timeout():
		return errors.Wrap(err, errors.KindUpstreamTimeout, "upstream "+host+" timed out").
			WithDetails(rootCause(err))
	case stderrors.Is(err, context.Canceled) && ctx.Err() != nil:
		return errors.Wrap(err, errors.KindUnclassified, "request canceled")
	default:
		return errors.Wrap(err, errors.KindUpstreamConnection, "upstream "+host+" unreachable").
			WithDetails(rootCause(err))
	}
}

// rootCause strips url.Error wrapping, which repeats the full target URL.
func rootCause(err error) string {
	var ue *url.Error
	if stderrors.As(err, &ue) {
		return ue.Err.Error()
	}
	return err.Error()
}

// Hop-by-hop headers that are not relayed from upstream responses.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}
