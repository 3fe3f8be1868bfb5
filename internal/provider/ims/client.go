package ims

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/crosswire-id/crosswire/internal/ioerr"
)

const defaultTimeout = 20 * time.Second

// Options configures the IMS admin client. BaseURL and Realm are
// required; TokenURL defaults to the realm's own token endpoint.
type Options struct {
	BaseURL      string
	Realm        string
	Domain       string
	ClientID     string
	ClientSecret string
	TokenURL     string
	PageSize     int
	HTTPClient   *http.Client
}

// client is the bare REST plumbing under the adapter: auth header,
// JSON codec, and status mapping. One method per HTTP verb shape.
type client struct {
	baseURL string
	realm   string
	http    *http.Client
}

func newClient(ctx context.Context, opts Options) *client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		tokenURL := opts.TokenURL
		if tokenURL == "" {
			tokenURL = fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", baseURL, opts.Realm)
		}
		conf := &clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     tokenURL,
		}
		httpClient = conf.Client(ctx)
		httpClient.Timeout = defaultTimeout
	}
	return &client{baseURL: baseURL, realm: opts.Realm, http: httpClient}
}

func (c *client) adminURL(path string, query url.Values) string {
	u := fmt.Sprintf("%s/admin/realms/%s%s", c.baseURL, c.realm, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do issues one request and decodes a JSON response into out when out is
// non-nil. The returned location is the Location header, which create
// endpoints use to report the new resource id.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) (string, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return "", ioerr.Wrap(ioerr.KindInternal, "encode request", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.adminURL(path, query), reader)
	if err != nil {
		return "", ioerr.Wrap(ioerr.KindInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", mapTransportErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", statusErr(method+" "+path, resp.StatusCode, string(slurp))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return "", ioerr.Wrap(ioerr.KindMalformed, "decode response", err)
		}
	}
	return resp.Header.Get("Location"), nil
}

func statusErr(op string, status int, body string) error {
	msg := fmt.Sprintf("%s returned %d", op, status)
	if body != "" {
		msg += ": " + firstLine(body)
	}
	switch {
	case status == http.StatusUnauthorized:
		return ioerr.New(ioerr.KindAuthExpired, msg)
	case status == http.StatusForbidden:
		return ioerr.New(ioerr.KindForbidden, msg)
	case status == http.StatusNotFound:
		return ioerr.New(ioerr.KindNotFound, msg)
	case status == http.StatusConflict:
		return ioerr.New(ioerr.KindConflict, msg)
	case status == http.StatusBadRequest:
		return ioerr.New(ioerr.KindMalformed, msg)
	case status == http.StatusTooManyRequests:
		return ioerr.New(ioerr.KindTransient, msg)
	case status >= 500:
		return ioerr.New(ioerr.KindTransient, msg)
	}
	return ioerr.New(ioerr.KindInternal, msg)
}

func mapTransportErr(ctx context.Context, err error) error {
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		if retrieve.Response != nil && retrieve.Response.StatusCode >= 500 {
			return ioerr.Wrap(ioerr.KindTransient, "token endpoint unavailable", err)
		}
		return ioerr.Wrap(ioerr.KindDelegationDenied, "service credentials rejected", err)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ioerr.Wrap(ioerr.KindTimeout, "request deadline elapsed", err)
	case errors.Is(err, context.Canceled):
		return ioerr.Wrap(ioerr.KindCancelled, "request cancelled", err)
	}
	return ioerr.Wrap(ioerr.KindTransient, "request failed", err)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
