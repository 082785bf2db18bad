package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderOriginalFor    = "X-Original-For"
	HeaderOriginalProto  = "X-Original-Proto"
)

// ForwardedOptions is the trust policy for reverse-proxy headers. Headers are
// only applied when the immediate peer is inside KnownNetworks (or TrustAll).
type ForwardedOptions struct {
	ForwardedFor   bool
	ForwardedProto bool
	KnownNetworks  []netip.Prefix
	TrustAll       bool
	// ForwardLimit bounds how many proxy hops are unwound, right to left.
	ForwardLimit int
}

func (o ForwardedOptions) trusted(a netip.Addr) bool {
	if o.TrustAll {
		return true
	}
	a = a.Unmap()
	for _, p := range o.KnownNetworks {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ForwardedHeaders rewrites RemoteAddr and the request scheme from
// X-Forwarded-For / X-Forwarded-Proto sent by trusted proxies.
func ForwardedHeaders(opts ForwardedOptions) func(http.Handler) http.Handler {
	if opts.ForwardLimit < 1 {
		opts.ForwardLimit = 1
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !opts.ForwardedFor && !opts.ForwardedProto {
				next.ServeHTTP(w, r)
				return
			}
			peer, ok := parseHostAddr(r.RemoteAddr)
			if !ok || !opts.trusted(peer.Addr()) {
				next.ServeHTTP(w, r)
				return
			}
			fors := splitHeader(r.Header.Values(HeaderForwardedFor))
			protos := splitHeader(r.Header.Values(HeaderForwardedProto))
			if !opts.ForwardedFor {
				fors = nil
			}
			if !opts.ForwardedProto {
				protos = nil
			}
			if len(fors) == 0 && len(protos) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			client := peer
			scheme := ""
			consumed := 0
			for consumed < opts.ForwardLimit {
				fi, pi := len(fors)-1-consumed, len(protos)-1-consumed
				if fi < 0 && pi < 0 {
					break
				}
				if fi >= 0 {
					hop, ok := parseHostAddr(fors[fi])
					if !ok {
						break
					}
					client = hop
				}
				if pi >= 0 {
					p := strings.ToLower(protos[pi])
					if p != "http" && p != "https" {
						break
					}
					scheme = p
				}
				consumed++
				if !opts.trusted(client.Addr()) {
					break
				}
			}
			if consumed == 0 {
				next.ServeHTTP(w, r)
				return
			}

			r2 := shallowClone(r)
			r2.Header = r.Header.Clone()
			if len(fors) > 0 && client != peer {
				r2.Header.Set(HeaderOriginalFor, r.RemoteAddr)
				r2.RemoteAddr = client.String()
				setRemaining(r2.Header, HeaderForwardedFor, fors, consumed)
			}
			if scheme != "" {
				r2.Header.Set(HeaderOriginalProto, Scheme(r))
				r2.URL.Scheme = scheme
				setRemaining(r2.Header, HeaderForwardedProto, protos, consumed)
			}
			next.ServeHTTP(w, r2)
		})
	}
}

func splitHeader(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func setRemaining(h http.Header, name string, entries []string, consumed int) {
	rest := len(entries) - consumed
	if rest <= 0 {
		h.Del(name)
		return
	}
	h.Set(name, strings.Join(entries[:rest], ", "))
}

// parseHostAddr accepts "ip", "ip:port" and "[ipv6]:port".
func parseHostAddr(s string) (netip.AddrPort, bool) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	a, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), 0), true
}
