package livesync

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultAPIPathSuffix is stripped from the configured base so the stream
// is rooted at the application origin rather than under the REST prefix.
const DefaultAPIPathSuffix = "/api"

// ResolveBaseURL derives the stream base URL from the configured base and
// the origin of the hosting page:
//
//   - an empty base falls back to the page origin;
//   - a relative base is resolved against the page origin;
//   - http is upgraded to https when the page is served over https;
//   - a trailing slash and then apiSuffix are stripped.
func ResolveBaseURL(configured, pageOrigin, apiSuffix string) (string, error) {
	origin, err := url.Parse(strings.TrimSpace(pageOrigin))
	if err != nil {
		return "", fmt.Errorf("parse page origin: %w", err)
	}

	base := strings.TrimSpace(configured)
	if base == "" {
		base = origin.String()
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", base, err)
	}
	if !u.IsAbs() || u.Host == "" {
		if !origin.IsAbs() || origin.Host == "" {
			return "", fmt.Errorf("base url %q is relative and page origin %q is not absolute", base, pageOrigin)
		}
		u = origin.ResolveReference(u)
	}

	if origin.Scheme == "https" && u.Scheme == "http" {
		u.Scheme = "https"
	}

	u.RawQuery = ""
	u.Fragment = ""
	resolved := strings.TrimRight(u.String(), "/")
	if apiSuffix = strings.TrimRight(apiSuffix, "/"); apiSuffix != "" {
		resolved = strings.TrimSuffix(resolved, apiSuffix)
	}
	return strings.TrimRight(resolved, "/"), nil
}
