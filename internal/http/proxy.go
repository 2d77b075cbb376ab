package http

import (
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/runsync/runsync/internal/config"
)

// ConfigureProxy sets the proxy of tr according to p and returns the round
// tripper to use, which wraps tr for NTLM. proxyActive reports whether any
// request may go through a proxy.
func ConfigureProxy(tr *nethttp.Transport, p config.ProxyConfig) (rt nethttp.RoundTripper, proxyActive bool, err error) {
	switch strings.ToLower(p.Mode) {
	case "", "system":
		env := httpproxy.FromEnvironment()
		proxyFunc := env.ProxyFunc()
		tr.Proxy = func(req *nethttp.Request) (*url.URL, error) {
			return proxyFunc(req.URL)
		}
		return tr, env.HTTPProxy != "" || env.HTTPSProxy != "", nil

	case "none":
		tr.Proxy = nil
		return tr, false, nil

	case "basic", "ntlm":
		proxyURL, err := buildProxyURL(p)
		if err != nil {
			return nil, false, err
		}
		tr.Proxy = proxyFuncWithBypass(proxyURL, p.NoProxy)
		if strings.EqualFold(p.Mode, "ntlm") {
			return ntlmssp.Negotiator{RoundTripper: tr}, true, nil
		}
		return tr, true, nil
	}
	return nil, false, fmt.Errorf("%w: %q", config.ErrInvalidProxyMode, p.Mode)
}

// buildProxyURL parses p.URL, adding credentials when both user and password
// are known.
func buildProxyURL(p config.ProxyConfig) (*url.URL, error) {
	if p.URL == "" {
		return nil, config.ErrMissingProxyURL
	}
	raw := p.URL
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", p.URL, err)
	}
	if u.Port() == "" {
		u.Host += ":8080"
	}
	if p.User != "" && p.Password != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u, nil
}

// proxyFuncWithBypass routes through proxyURL except for hosts matched by
// noProxy (domains, wildcards and CIDRs).
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
}
