package pagination

import (
	"net/http"
	"strings"
)

// ParseLinkHeader parses an RFC 8288 Link header into a map of relation
// type to target URL. Targets are returned verbatim; relation types are
// lower-cased. When a relation appears twice the first target wins.
//
//	<https://api.github.com/user/repos?page=3>; rel="next", <...?page=50>; rel="last"
func ParseLinkHeader(header string) map[string]string {
	links := make(map[string]string)

	for {
		start := strings.IndexByte(header, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(header[start:], '>')
		if end < 0 {
			break
		}
		end += start

		target := strings.TrimSpace(header[start+1 : end])
		rest := header[end+1:]

		// Parameters run up to the next link value
		params := rest
		if next := strings.IndexByte(rest, '<'); next >= 0 {
			params, header = rest[:next], rest[next:]
		} else {
			header = ""
		}

		for _, param := range strings.Split(params, ";") {
			name, value, ok := strings.Cut(strings.Trim(param, " \t,"), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(name), "rel") {
				continue
			}
			value = strings.Trim(strings.TrimSpace(value), `"`)
			// rel may hold several space separated types
			for _, rel := range strings.Fields(value) {
				rel = strings.ToLower(rel)
				if _, seen := links[rel]; !seen {
					links[rel] = target
				}
			}
		}
	}

	return links
}

// NextURL returns the absolute URL of the rel="next" link of resp, or ""
// when there is none. Relative targets resolve against the URL of the
// request that produced resp.
func NextURL(resp *http.Response) string {
	values := resp.Header.Values("Link")
	if len(values) == 0 {
		return ""
	}

	next := ParseLinkHeader(strings.Join(values, ", "))["next"]
	if next == "" {
		return ""
	}
	if resp.Request == nil || resp.Request.URL == nil {
		return next
	}

	u, err := resp.Request.URL.Parse(next)
	if err != nil {
		return ""
	}
	return u.String()
}
