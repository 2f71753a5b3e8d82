// pprof/pprof.go
package pprof

import (
	stdpprof "net/http/pprof"

	"github.com/go-chi/chi/v5"
)

// Path is where the profiling handlers are mounted.
const Path = "/debug/pprof"

// Mount attaches the standard Go pprof handlers under Path. Mount it inside
// a group that already applies apikey.Require when protection is desired.
func Mount(r chi.Router) {
	r.Route(Path, func(r chi.Router) {
		r.Get("/", stdpprof.Index)
		r.Get("/cmdline", stdpprof.Cmdline)
		r.Get("/profile", stdpprof.Profile)
		r.Get("/symbol", stdpprof.Symbol)
		r.Post("/symbol", stdpprof.Symbol)
		r.Get("/trace", stdpprof.Trace)
		// named profiles: heap, goroutine, allocs, block, ...
		r.Get("/{name}", stdpprof.Index)
	})
}
