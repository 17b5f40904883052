// Package httpclient builds the shared *http.Client used for upstream
// downloads: a tuned transport with connection reuse, an optional explicit
// proxy and an optional overall timeout (none by default).
package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Shared HTTP transport tunings，复用长连接并集中配置握手超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 控制 client 的超时与代理。
type Options struct {
	// Timeout 为 0 时不限制整体耗时，仅依赖连接/握手超时。
	Timeout time.Duration
	// Proxy 非空时覆盖环境变量中的代理设置。
	Proxy string
}

// New 返回用于下载的 http.Client，每次调用克隆一份 transport。
func New(opts Options) (*http.Client, error) {
	transport := defaultTransport.Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}, nil
}

// ValidHeaderValue 判断取值能否安全写入请求头。
func ValidHeaderValue(value string) bool {
	return httpguts.ValidHeaderFieldValue(value)
}
