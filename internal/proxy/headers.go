package proxy

import (
	"net"
	"net/http"
	"strings"
)

// 网关读写的请求头
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderResponseTime   = "X-Response-Time"
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderForwardedHost  = "X-Forwarded-Host"
)

// hopHeaders 只对单跳连接有意义，不能转发
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders 删除逐跳头，包括Connection中声明的头
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// clientIP 取请求的对端地址
func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

// setForwardedHeaders 追加X-Forwarded-*，保留上游代理已经写入的链路
func setForwardedHeaders(out http.Header, in *http.Request) {
	ip := clientIP(in)
	if prior := in.Header.Values(HeaderForwardedFor); len(prior) > 0 {
		ip = strings.Join(prior, ", ") + ", " + ip
	}
	out.Set(HeaderForwardedFor, ip)

	if in.TLS != nil {
		out.Set(HeaderForwardedProto, "https")
	} else {
		out.Set(HeaderForwardedProto, "http")
	}

	if in.Host != "" {
		out.Set(HeaderForwardedHost, in.Host)
	}
}
