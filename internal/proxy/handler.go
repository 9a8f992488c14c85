package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cr0hn/rpc-gateway/internal/arena"
	"github.com/cr0hn/rpc-gateway/internal/limiter"
	"github.com/cr0hn/rpc-gateway/internal/logger"
	"github.com/cr0hn/rpc-gateway/internal/metrics"
)

var (
	// ErrNoTarget is returned when the port state has no target to select.
	ErrNoTarget = errors.New("no target available")
	// ErrTargetGone is returned when the selected target was removed while
	// the call was in flight and no replacement could serve it.
	ErrTargetGone = errors.New("target removed during call")
	// ErrBodyTooLarge is returned when the inbound body exceeds DefaultMaxBodyBytes.
	ErrBodyTooLarge = errors.New("request body too large")
)

// hopByHopHeaders contains headers that should not be forwarded.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Handler forwards inbound calls of one port state.
type Handler struct {
	server *Server
}

// NewHandler creates a new Handler.
func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

// outcome describes one forwarding attempt.
type outcome struct {
	idx    arena.Index
	target string
	resp   *http.Response
	err    error
}

func (o outcome) failed() bool {
	return o.err != nil || o.resp.StatusCode >= http.StatusInternalServerError
}

// ServeHTTP handles an inbound call.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s := h.server
	port := s.port.Port()

	s.active.Add(1)
	defer s.active.Add(-1)

	requestID := requestIDFrom(r.Header.Get(RequestIDHeader))
	ctx := ContextWithRequestID(r.Context(), requestID)
	r = r.WithContext(ctx)
	w.Header().Set(RequestIDHeader, requestID)

	logger.Trace("request_received", "request_id", requestID, "port", port, "method", r.Method, "remote", r.RemoteAddr, "path", r.URL.Path)

	if err := s.limiter.Acquire(port); err != nil {
		h.reject(w, requestID, err)
		return
	}
	defer s.limiter.Release(port)

	s.stats.IncActiveCalls(port)
	defer s.stats.DecActiveCalls(port)

	body, err := readBody(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.sendError(w, status, err.Error())
		return
	}
	s.stats.AddBytesReceived(int64(len(body)))

	out, err := h.forward(ctx, r, body)
	if err != nil {
		// Only selection failures reach here; they never touched an upstream.
		logger.Debug("no_target", "request_id", requestID, "port", port, "error", err)
		s.stats.RecordResult(port, metrics.ResultNoTarget)
		h.sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if out.failed() {
		s.port.RecordFailure()
		s.stats.RecordResult(port, metrics.ResultFailed)
	} else {
		s.port.RecordSuccess()
		s.stats.RecordResult(port, metrics.ResultOK)
	}
	metrics.RequestDuration.WithLabelValues(metrics.PortLabel(port)).Observe(time.Since(start).Seconds())

	if out.err != nil {
		logger.LogError("forward", out.err, "request_id", requestID, "port", port, "target", out.target)
		h.sendError(w, http.StatusBadGateway, "upstream request failed")
		logger.LogRequest(requestID, port, out.target, http.StatusBadGateway, time.Since(start).Milliseconds(), int64(len(body)), 0)
		return
	}
	defer out.resp.Body.Close()

	copyHeaders(w.Header(), out.resp.Header)
	w.WriteHeader(out.resp.StatusCode)

	written, err := io.Copy(w, out.resp.Body)
	if err != nil {
		// Cannot send error to client - headers already sent
		logger.LogError("response_copy", err, "request_id", requestID, "port", port, "target", out.target)
	}
	s.stats.AddBytesSent(written)

	logger.LogRequest(requestID, port, out.target, out.resp.StatusCode, time.Since(start).Milliseconds(), int64(len(body)), written)
}

// forward selects a target and sends the call. If the target was removed
// while the call was in flight and the call failed, selection is retried
// once. A call that succeeded is never replayed.
func (h *Handler) forward(ctx context.Context, r *http.Request, body []byte) (outcome, error) {
	s := h.server
	port := s.port.Port()
	requestID := RequestIDFromContext(ctx)

	var out outcome
	for attempt := 0; attempt < 2; attempt++ {
		idx, target, ok := s.port.FindBestTarget()
		if !ok {
			if attempt > 0 {
				// The replacement search came up empty; report the original failure.
				logger.Warn("target_gone", "request_id", requestID, "port", port, "target", out.target)
				return out, nil
			}
			return outcome{}, ErrNoTarget
		}
		s.stats.IncSelections(port, target)
		logger.LogTargetSelection(requestID, port, target, s.port.TargetCount())

		out = h.send(ctx, r, body, idx, target)

		if _, live := s.port.AddressOf(idx); live || !out.failed() {
			return out, nil
		}
		logger.Debug("target_removed_in_flight", "request_id", requestID, "port", port, "target", target)
		if out.resp != nil {
			out.resp.Body.Close()
			out.resp = nil
		}
		out.err = fmt.Errorf("%s: %w", target, ErrTargetGone)
	}
	return out, nil
}

// send performs a single forwarding attempt to target.
func (h *Handler) send(ctx context.Context, r *http.Request, body []byte, idx arena.Index, target string) outcome {
	s := h.server
	out := outcome{idx: idx, target: target}

	u, err := upstreamURL(target, r.URL)
	if err != nil {
		out.err = err
		return out
	}

	fwdCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.forwardTimeout > 0 {
		fwdCtx, cancel = context.WithTimeout(ctx, s.forwardTimeout)
	}

	out.resp, out.err = h.roundTrip(fwdCtx, r, body, u)
	if out.err != nil {
		cancel()
		return out
	}
	// The forward timeout also bounds streaming the response back.
	out.resp.Body = &cancelOnClose{ReadCloser: out.resp.Body, cancel: cancel}
	return out
}

func (h *Handler) roundTrip(ctx context.Context, r *http.Request, body []byte, u *url.URL) (*http.Response, error) {
	outReq, err := http.NewRequestWithContext(ctx, r.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	for key, values := range r.Header {
		if isHopByHop(key) {
			continue
		}
		outReq.Header[key] = append([]string(nil), values...)
	}
	removeConnectionHeaders(outReq.Header, r.Header)
	outReq.Header.Set(RequestIDHeader, RequestIDFromContext(ctx))

	logger.Trace("upstream_request_start", "request_id", RequestIDFromContext(ctx), "url", u.Redacted())
	return h.server.transport.RoundTrip(outReq)
}

// cancelOnClose releases the forward timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// reject answers a call refused by the limiter.
func (h *Handler) reject(w http.ResponseWriter, requestID string, err error) {
	s := h.server
	port := s.port.Port()
	label := metrics.PortLabel(port)

	status := http.StatusServiceUnavailable
	limitType := "in_flight"
	if errors.Is(err, limiter.ErrRateLimited) {
		status = http.StatusTooManyRequests
		limitType = "rate"
	}

	metrics.LimitRejections.WithLabelValues(label, limitType).Inc()
	s.stats.RecordResult(port, metrics.ResultLimited)
	logger.LogLimitReached(limitType, port, int(s.limiter.InFlight(port)), s.limiter.MaxInFlight())
	logger.Trace("request_rejected", "request_id", requestID, "port", port, "error", err)
	h.sendError(w, status, err.Error())
}

// readBody reads the whole inbound body, bounded by DefaultMaxBodyBytes.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, DefaultMaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(body) > DefaultMaxBodyBytes {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// upstreamURL joins the target URI with the inbound path and query.
func upstreamURL(target string, in *url.URL) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing target %q: %w", target, err)
	}
	if in.Path != "" && in.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(in.Path, "/")
	}
	if in.RawQuery != "" {
		if u.RawQuery == "" {
			u.RawQuery = in.RawQuery
		} else {
			u.RawQuery = u.RawQuery + "&" + in.RawQuery
		}
	}
	return u, nil
}

// copyHeaders copies headers from src to dst.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeConnectionHeaders removes headers named in the inbound Connection header.
func removeConnectionHeaders(dst, in http.Header) {
	for _, v := range in.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dst.Del(strings.TrimSpace(name))
		}
	}
}

// isHopByHop returns true if the header is a hop-by-hop header.
func isHopByHop(header string) bool {
	return hopByHopHeaders[http.CanonicalHeaderKey(header)]
}

// sendError sends an error response.
func (h *Handler) sendError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}
