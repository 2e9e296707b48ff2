// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ordergate/ordergate/pkg/priority"
	"github.com/ordergate/ordergate/pkg/scheduler"
)

const (
	// RequestSourceHeader set to "background" marks calls not triggered by a user action.
	RequestSourceHeader = "X-Request-Source"
	// OpenOrdersHeader set to "true" tells the proxy the client has working orders.
	OpenOrdersHeader = "X-Open-Orders"
	// RequestIDHeader optionally carries the id used to cancel the request with DELETE /requests/{id}.
	RequestIDHeader = "X-Request-Id"
	// PriorityHeader is set on responses to the priority the request was dispatched with.
	PriorityHeader = "X-Request-Priority"

	// StatusClientClosedRequest is the non-standard status used for cancelled requests.
	StatusClientClosedRequest = 499

	unmatchedRoute = "unmatched"
)

// internalHeaders are consumed by the proxy and not forwarded upstream.
var internalHeaders = []string{RequestSourceHeader, OpenOrdersHeader, RequestIDHeader}

// hopHeaders only apply to a single connection and are not relayed to the client.
// Content-Length is recomputed by the server.
var hopHeaders = []string{
	"Connection",
	"Content-Length",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// classify assigns the request its priority and the name of the matching rule.
func (p *Proxy) classify(r *http.Request) (priority.Priority, string) {
	base, rule := p.classifier.ClassifyRule(r.URL.Path, r.Method)
	if rule == "" {
		rule = unmatchedRoute
	}

	signals := p.market.Signals()
	signals.HasActiveOrders = strings.EqualFold(r.Header.Get(OpenOrdersHeader), "true")
	signals.UserInitiated = !strings.EqualFold(r.Header.Get(RequestSourceHeader), "background")

	return priority.Adjust(base, signals), rule
}

func (p *Proxy) forwardHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	prio, route := p.classify(r)
	logger := p.logger

	p.inProgress.Inc()
	defer p.inProgress.Dec()
	p.metrics.requestsTotal.WithLabelValues(route, prio.String()).Inc()

	body, err := io.ReadAll(io.LimitReader(r.Body, p.cfg.MaxBodySize+1))
	if err != nil {
		level.Warn(logger).Log("msg", "unable to read request body", "path", r.URL.Path, "err", err)
		p.finish(w, r, route, start, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	if int64(len(body)) > p.cfg.MaxBodySize {
		p.finish(w, r, route, start, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body too large (max: %d bytes)", p.cfg.MaxBodySize))
		return
	}

	var opts []scheduler.EnqueueOption
	if id := r.Header.Get(RequestIDHeader); id != "" {
		opts = append(opts, scheduler.WithID(id))
	}

	endpoint := scheduler.Endpoint{Path: r.URL.Path, Method: r.Method}
	res, err := p.scheduler.Do(r.Context(), prio, endpoint, func(ctx context.Context) (any, error) {
		return p.upstream.Forward(ctx, r, body)
	}, opts...)

	w.Header().Set(PriorityHeader, prio.String())
	if err != nil {
		status, msg := p.errorResponse(err)

		// Relay the last upstream answer once retries are exhausted.
		var statusErr *StatusError
		if status == http.StatusBadGateway && errors.As(err, &statusErr) {
			p.writeUpstreamResponse(w, statusErr.Response)
			p.observe(r, route, start, statusErr.Response.StatusCode)
			return
		}

		if status == http.StatusBadGateway {
			level.Warn(logger).Log("msg", "upstream request failed", "method", r.Method, "path", r.URL.Path, "priority", prio, "err", err)
		}
		p.finish(w, r, route, start, status, msg)
		return
	}

	resp := res.(*Response)
	p.writeUpstreamResponse(w, resp)
	p.observe(r, route, start, resp.StatusCode)
}

// errorResponse maps a scheduler error to the status code returned to the client.
func (p *Proxy) errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, scheduler.ErrRequestTimeout):
		return http.StatusGatewayTimeout, err.Error()
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, scheduler.ErrDuplicateID):
		return http.StatusConflict, err.Error()
	case errors.Is(err, scheduler.ErrRequestCancelled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, err.Error()
	default:
		return http.StatusBadGateway, err.Error()
	}
}

func (p *Proxy) writeUpstreamResponse(w http.ResponseWriter, resp *Response) {
	header := resp.Header.Clone()
	removeHopHeaders(header)
	for k, values := range header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		level.Warn(p.logger).Log("msg", "unable to write response", "err", err)
	}
}

// removeHopHeaders deletes the hop-by-hop headers, including the ones listed in Connection.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func (p *Proxy) finish(w http.ResponseWriter, r *http.Request, route string, start time.Time, status int, msg string) {
	http.Error(w, msg, status)
	p.observe(r, route, start, status)
}

func (p *Proxy) observe(r *http.Request, route string, start time.Time, status int) {
	p.metrics.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}

func (p *Proxy) statusHandler(w http.ResponseWriter, _ *http.Request) {
	out, err := json.Marshal(p.scheduler.QueueStatus())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		level.Warn(p.logger).Log("msg", "unable to write status", "err", err)
	}
}

type cancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// cancelHandler cancels a queued request. Requests already in flight can't be withdrawn
// and are reported with cancelled=false.
func (p *Proxy) cancelHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cancelled := p.scheduler.CancelRequest(id)
	level.Debug(p.logger).Log("msg", "cancel requested", "id", id, "cancelled", cancelled)

	out, err := json.Marshal(cancelResponse{ID: id, Cancelled: cancelled})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(out); err != nil {
		level.Warn(p.logger).Log("msg", "unable to write response", "err", err)
	}
}
