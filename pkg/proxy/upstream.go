// SPDX-License-Identifier: AGPL-3.0-only

package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"

	"github.com/ordergate/ordergate/pkg/scheduler/retry"
)

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned for upstream responses that count as failures. It carries the
// response so that it can be relayed to the client once retries are exhausted.
type StatusError struct {
	Response *Response
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded with %d %s", e.Response.StatusCode, http.StatusText(e.Response.StatusCode))
}

// upstream forwards requests to the rate limited API.
type upstream struct {
	endpoint *url.URL
	client   *http.Client
}

func newUpstream(endpoint *url.URL) *upstream {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &upstream{
		endpoint: endpoint,
		client: &http.Client{
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: transport,
		},
	}
}

// Forward sends a copy of orig, with the buffered body, to the upstream. 429 responses
// are reported as rate limited and 502, 503 and 504 as transient, so that the scheduler
// retries them. Other responses, including 4xx, are returned as they are.
func (u *upstream) Forward(ctx context.Context, orig *http.Request, body []byte) (*Response, error) {
	req := u.createRequest(ctx, orig, body)

	res, err := u.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing upstream request")
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, retry.Transient(errors.Wrap(err, "reading upstream response"))
	}

	resp := &Response{StatusCode: res.StatusCode, Header: res.Header, Body: resBody}
	switch res.StatusCode {
	case http.StatusTooManyRequests:
		return nil, retry.RateLimited(&StatusError{Response: resp})
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return nil, retry.Transient(&StatusError{Response: resp})
	}
	return resp, nil
}

func (u *upstream) createRequest(ctx context.Context, orig *http.Request, body []byte) *http.Request {
	req := orig.Clone(ctx)
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	// RequestURI can't be set on a client request.
	req.RequestURI = ""

	req.URL.Scheme = u.endpoint.Scheme
	req.URL.Host = u.endpoint.Host
	req.URL.Path = path.Join("/", u.endpoint.Path, orig.URL.Path)
	req.URL.RawPath = ""
	req.Host = u.endpoint.Host

	for _, h := range internalHeaders {
		req.Header.Del(h)
	}
	return req
}
