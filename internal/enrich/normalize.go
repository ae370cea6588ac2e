package enrich

import (
	"net/url"
	"strings"

	"github.com/contract-catalog/internal/logging"
)

// DefaultGateway is the canonical IPFS HTTP gateway
const DefaultGateway = "https://ipfs.io/ipfs/"

// NormalizeImageURL turns an image reference from a token document into a
// fetchable URL. Data URIs pass through, IPFS references are rewritten onto
// gateway, and valid http(s) URLs pass through. Anything else yields nil.
func NormalizeImageURL(raw, gateway string) *string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if gateway == "" {
		gateway = DefaultGateway
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "data:"):
		return &s

	case strings.HasPrefix(lower, "ipfs://"):
		if out, ok := onGateway(s[len("ipfs://"):], gateway); ok {
			return &out
		}

	case strings.Contains(lower, "/ipfs/"):
		idx := strings.Index(lower, "/ipfs/")
		if out, ok := onGateway(s[idx+len("/ipfs/"):], gateway); ok {
			return &out
		}

	default:
		u, err := url.Parse(s)
		if err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			out := u.String()
			return &out
		}
	}

	logging.GetGlobalLogger().WithComponent("enrich").WithField("image", s).Warn("rejected unsupported image url")
	return nil
}

// onGateway joins an IPFS path onto the gateway, collapsing redundant
// leading ipfs/ segments.
func onGateway(path, gateway string) (string, bool) {
	path = strings.TrimLeft(path, "/")
	for strings.HasPrefix(strings.ToLower(path), "ipfs/") {
		path = strings.TrimLeft(path[len("ipfs/"):], "/")
	}
	if path == "" || strings.ContainsAny(path, " \t\n") {
		return "", false
	}
	return gateway + path, true
}
