package generichttp

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a struct containing an HTTP method and a URL path
type MethodPath struct {
	Method, Path string
}

// RouteTable maps MethodPaths to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns "METHOD /path" for every route in the table, sorted by path
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Method+" "+k.Path)
	}
	sort.Slice(routes, func(i, j int) bool {
		pi := routes[i][strings.IndexByte(routes[i], ' ')+1:]
		pj := routes[j][strings.IndexByte(routes[j], ' ')+1:]
		if pi == pj {
			return routes[i] < routes[j]
		}
		return pi < pj
	})
	return routes
}

// Bind adds every route in the table to r
func (rt RouteTable) Bind(r chi.Router) {
	for k, v := range rt {
		r.MethodFunc(k.Method, k.Path, v)
	}
}

// HTTPer is a type that holds a route table
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize converts a URL "omc/nkt" into "/omc/nkt", the form expected
// by chi's Mount.  Leading and trailing slashes and a trailing * are optional
func SubMuxSanitize(str string) string {
	str = strings.TrimSuffix(str, "*")
	str = strings.Trim(str, "/")
	return "/" + str
}
