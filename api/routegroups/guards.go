package routegroups

import "net/http"

// Guards wraps handlers with the server's access checks.
type Guards struct {
	WithAuth func(http.HandlerFunc) http.HandlerFunc
}

func (g Guards) Auth(next http.HandlerFunc) http.HandlerFunc {
	if g.WithAuth == nil {
		return next
	}
	return g.WithAuth(next)
}
