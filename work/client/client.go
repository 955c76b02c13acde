package client

import (
	"net/http"
	"time"

	"hlscache-proxy/work/config"
)

// HeaderSettingClient wraps http.Client to automatically set origin request
// headers and to carry a transport tuned for the proxy's traffic shape: many
// short segment fetches against a handful of CDN hosts. The per-host
// connection cap comes from PerHostConns, which defaults to the bulk download
// permit count; when bulk downloads hold every connection to one host, fast
// lane requests to that host wait for a free connection.
type HeaderSettingClient struct {
	Client *http.Client
	opts   *config.Options
}

// NewHeaderSettingClient builds the shared HTTP client used for all origin
// traffic. There is no overall client timeout; per-request deadlines are set
// by the download scheduler through the request context.
func NewHeaderSettingClient(opts *config.Options) *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // deadlines come from the request context
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   opts.PerHostConns,
			MaxConnsPerHost:       opts.PerHostConns,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}

	return &HeaderSettingClient{
		Client: client,
		opts:   opts,
	}
}

// Do sets the configured origin headers and executes the request.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", hsc.opts.UserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	if hsc.opts.ReqOrigin != "" {
		req.Header.Set("Origin", hsc.opts.ReqOrigin)
	}
	if hsc.opts.ReqReferrer != "" {
		req.Header.Set("Referer", hsc.opts.ReqReferrer)
	}
}
