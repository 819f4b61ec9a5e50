package server

import (
	"net"
	"net/http"
	"strings"
)

// producerIP
// ------------------------------------------------------------
// 이벤트를 보낸 쪽의 IP. archive 의 producer 필드로만 쓰인다.
//
// 로그 shipper 는 대부분 내부망에 있으므로 private IP 도 유효한 값이다.
// 우선순위:
//  1. X-Forwarded-For 의 첫 public IP
//  2. X-Forwarded-For 의 첫 번째 유효한 IP (private 포함)
//  3. RemoteAddr
func producerIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		var first net.IP
		for _, part := range strings.Split(xff, ",") {
			ip := net.ParseIP(strings.TrimSpace(part))
			if ip == nil {
				continue
			}
			if isPublicIP(ip) {
				return ip.String()
			}
			if first == nil {
				first = ip
			}
		}
		if first != nil {
			return first.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(strings.TrimSpace(host)); ip != nil {
		return ip.String()
	}
	return ""
}

// isPublicIP: private / loopback / link-local 이 아니면 true
func isPublicIP(ip net.IP) bool {
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}
	return !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}
