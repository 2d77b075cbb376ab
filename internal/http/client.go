package http

import (
	"crypto/tls"
	"net"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/runsync/runsync/internal/config"
	"github.com/runsync/runsync/internal/constants"
)

// CreateTransferClient creates an HTTP client for bulk object store transfers
// using the proxy from the environment.
func CreateTransferClient() *nethttp.Client {
	c, _ := NewTransferClient(config.ProxyConfig{Mode: "system"})
	return c
}

// NewTransferClient creates an HTTP client for bulk object store transfers.
//
//   - Proxy per p (see ConfigureProxy)
//   - Connection pool sized for multipart uploads
//   - HTTP/2 unless a proxy is active or DISABLE_HTTP2=true
//   - No overall timeout; every operation carries its own context deadline
func NewTransferClient(p config.ProxyConfig) (*nethttp.Client, error) {
	tr := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPKeepAlive,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          128,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,

		// Artifacts are already compressed.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}
	_ = http2.ConfigureTransport(tr)

	rt, proxyActive, err := ConfigureProxy(tr, p)
	if err != nil {
		return nil, err
	}
	if os.Getenv("DISABLE_HTTP2") == "true" || proxyActive {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	return &nethttp.Client{Transport: rt}, nil
}
