// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import "strings"

// rewritePath applies strip-prefix then backend-prefix to an inbound
// request path: strip_path is removed from the front if present, path_prefix
// is then prepended, and the result always starts with "/".
func (c *ProxyConfig) rewritePath(p string) string {
	if c.stripPath != "" && strings.HasPrefix(p, c.stripPath) {
		p = p[len(c.stripPath):]
	}
	if c.pathPrefix != "" {
		if p == "" {
			p = c.pathPrefix
		} else {
			p = joinSingleSlash(c.pathPrefix, p)
		}
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// joinSingleSlash joins a and b with exactly one "/" between them.
func joinSingleSlash(a, b string) string {
	aHasSlash := strings.HasSuffix(a, "/")
	bHasSlash := strings.HasPrefix(b, "/")
	switch {
	case aHasSlash && bHasSlash:
		return a + b[1:]
	case !aHasSlash && !bHasSlash:
		return a + "/" + b
	default:
		return a + b
	}
}

// rewriteURL combines rewritePath with the verbatim query string, reattached
// with "?" unless empty.
func (c *ProxyConfig) rewriteURL(path, rawQuery string) string {
	out := c.rewritePath(path)
	if rawQuery != "" {
		out += "?" + rawQuery
	}
	return out
}
