package httpconn

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/cortexuvula/gatewaybridge/internal/gwtypes"
)

func decodePercent(s string) (string, error) { return url.PathUnescape(s) }

// rootPathHeader is the proxy-supplied header relocated out of the header
// list and into the scope's root_path, percent-decoded. Renamed from the
// historical implementation's Daphne-Root-Path for this project.
const rootPathHeader = "Gatewaybridge-Root-Path"

// cleanHeaders lowercases every header name, drops any name containing an
// underscore (CVE-2015-0219-shaped CGI ambiguity defense), and trims outer
// whitespace from values. net/http's Header is a map keyed by canonical
// name, so cross-name wire order is already lost by the time a *http.Request
// reaches us; names are walked in sorted order instead, which keeps output
// deterministic and still satisfies the header multimap equality the
// gateway contract requires (value order within a single name is
// preserved).
func cleanHeaders(h http.Header) gwtypes.Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(gwtypes.Headers, 0, len(h))
	for _, name := range names {
		if strings.Contains(name, "_") {
			continue
		}
		lower := strings.ToLower(name)
		for _, v := range h[name] {
			out = append(out, gwtypes.HeaderField{
				Name:  []byte(lower),
				Value: []byte(strings.TrimSpace(v)),
			})
		}
	}
	return out
}

// takeRootPath extracts and percent-decodes the root-path header, removing
// it from the given header list so it does not also appear in the scope's
// headers sequence.
func takeRootPath(headers gwtypes.Headers, fallback string) (gwtypes.Headers, string) {
	target := strings.ToLower(rootPathHeader)
	out := make(gwtypes.Headers, 0, len(headers))
	rootPath := fallback
	for _, f := range headers {
		if string(f.Name) == target {
			if decoded, err := decodePercent(string(f.Value)); err == nil {
				rootPath = decoded
			}
			continue
		}
		out = append(out, f)
	}
	return out, rootPath
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
