package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trustgate/internal/domain"
)

// blockedRanges lists private and reserved CIDR blocks plugins may never reach.
var blockedRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var parsedRanges []*net.IPNet

func init() {
	for _, cidr := range blockedRanges {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		parsedRanges = append(parsedRanges, ipnet)
	}
}

// IsPrivateIP checks if an IP falls within any private/reserved range.
func IsPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, ipnet := range parsedRanges {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// URLGuard decides which outbound URLs a plugin may request.
// An empty allow list permits every public host.
type URLGuard struct {
	allowed  map[string]bool
	resolver *net.Resolver
}

// NewURLGuard creates a guard restricted to allowedHosts (case-insensitive).
func NewURLGuard(allowedHosts []string) *URLGuard {
	g := &URLGuard{resolver: net.DefaultResolver}
	if len(allowedHosts) > 0 {
		g.allowed = make(map[string]bool, len(allowedHosts))
		for _, h := range allowedHosts {
			g.allowed[strings.ToLower(strings.TrimSpace(h))] = true
		}
	}
	return g
}

// Validate checks scheme, host allow list and that the host does not resolve
// to a private address.
func (g *URLGuard) Validate(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ssrfError("invalid URL: " + err.Error())
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return nil, ssrfError("missing URL scheme, only http/https allowed")
	default:
		return nil, ssrfError(fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, ssrfError("empty hostname")
	}
	if g.allowed != nil && !g.allowed[host] {
		return nil, ssrfError(fmt.Sprintf("host %s is not in the allow list", host))
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return nil, ssrfError(fmt.Sprintf("IP %s is private/reserved", ip))
		}
		return u, nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, ssrfError(fmt.Sprintf("DNS lookup failed: %v", err))
	}
	for _, a := range addrs {
		if IsPrivateIP(a.IP) {
			return nil, ssrfError(fmt.Sprintf("host %s resolves to private IP %s", host, a.IP))
		}
	}
	return u, nil
}

// ValidateURL checks rawURL against an unrestricted guard.
func ValidateURL(rawURL string) error {
	_, err := NewURLGuard(nil).Validate(context.Background(), rawURL)
	return err
}

func ssrfError(detail string) error {
	return domain.NewSubSystemError("network", "URLGuard.Validate", domain.ErrSSRFBlocked, detail)
}

// NewSSRFSafeTransport creates an HTTP transport that re-validates resolved IPs
// at dial time and connects to the validated address, so DNS rebinding between
// check and connect cannot reach a private host.
func NewSSRFSafeTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}

			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, domain.NewDomainError("SSRFSafeTransport.Dial", err,
					fmt.Sprintf("DNS lookup failed for %s", host))
			}
			if len(ips) == 0 {
				return nil, domain.NewDomainError("SSRFSafeTransport.Dial", domain.ErrSSRFBlocked,
					"no IPs resolved for "+host)
			}
			for _, ip := range ips {
				if IsPrivateIP(ip.IP) {
					return nil, domain.NewDomainError("SSRFSafeTransport.Dial", domain.ErrSSRFBlocked,
						fmt.Sprintf("%s resolves to private IP %s", host, ip.IP))
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
