package httpmw

import (
	"net/http"

	"github.com/keithlinneman/scriptdigest/internal/log"
	"github.com/keithlinneman/scriptdigest/internal/xerrors"
)

// Recover converts handler panics into 500 responses. The panic value is
// logged with request method and path; onPanic (if non-nil) runs after
// logging, typically to bump a metric.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %v", v)
				}

				base.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
