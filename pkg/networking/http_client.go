package networking

import (
	"crypto/tls"
	"net/http"
	"time"
)

// Scheme constants for URL validation.
const (
	// HttpScheme is the plain HTTP scheme. It is never fetched by this
	// service but is referenced by validation error messages.
	HttpScheme = "http"

	// HttpsScheme is the only scheme endpoint fetches accept.
	HttpsScheme = "https"
)

// HttpTimeout is the default timeout for outgoing HTTP requests
const HttpTimeout = 10 * time.Second

// HTTPClient is the part of *http.Client that request helpers need.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ValidatingTransport validates request URLs prior to forwarding. The check
// runs on every RoundTrip, so each hop of a redirect chain is validated
// again before it is followed.
type ValidatingTransport struct {
	Transport http.RoundTripper
}

// RoundTrip validates the request URL prior to forwarding
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := ValidateEndpointURL(req.URL.String()); err != nil {
		return nil, err
	}
	return t.Transport.RoundTrip(req)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout overrides the overall client timeout
func (b *HttpClientBuilder) WithTimeout(timeout time.Duration) *HttpClientBuilder {
	b.clientTimeout = timeout
	return b
}

// Build creates the configured HTTP client. Every request made through the
// client, including redirect hops, passes endpoint validation first.
func (b *HttpClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	return &http.Client{
		Transport: &ValidatingTransport{
			Transport: transport,
		},
		Timeout: b.clientTimeout,
	}
}
