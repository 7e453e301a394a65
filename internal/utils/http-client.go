package utils

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

type HTTPClientConfig struct {
	Timeout            time.Duration
	ConnectTimeout     time.Duration
	KATimeout          time.Duration
	ProxyURL           string
	UserAgent          string
	RunMethod          string
	MaxConns           int
	InsecureSkipVerify bool
	Headers            map[string]string
	HighThreadMode     bool // larger socket buffers for many parallel streams
}

func UserAgent(runMethod string) string {
	if runMethod == "" {
		runMethod = RunMethodAPI
	}
	return fmt.Sprintf("doppkit/%s/%s", ToolVersion, runMethod)
}

// NewHTTPClient builds the client shared by every transfer. Redirects are never
// followed automatically; callers walk the chain themselves.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 40 * time.Second
	}
	if cfg.KATimeout == 0 {
		cfg.KATimeout = 90 * time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultThreads
	}
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.HighThreadMode {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				setSocketOptions(fd)
			})
		}
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		IdleConnTimeout:       cfg.KATimeout,
		MaxIdleConns:          cfg.MaxConns,
		MaxIdleConnsPerHost:   cfg.MaxConns,
		MaxConnsPerHost:       cfg.MaxConns,
		ResponseHeaderTimeout: cfg.Timeout,
		DisableCompression:    true,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = UserAgent(cfg.RunMethod)
	}
	return &http.Client{
		Transport: &headerTransport{
			base:      transport,
			userAgent: userAgent,
			headers:   cfg.Headers,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type headerTransport struct {
	base      http.RoundTripper
	userAgent string
	headers   map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	for k, v := range t.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}
