package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// recoverAndLog logs every request once it is served and turns a handler
// panic into a 500.
func (s *Server) recoverAndLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		begin := time.Now()

		defer func() {
			if e := recover(); e != nil {
				if e == http.ErrAbortHandler {
					panic(e)
				}
				s.log.ErrorWith("panic in http handler", fmt.Errorf("%v", e), map[string]interface{}{
					"stack": string(debug.Stack()),
				})
				if ww.Status() == 0 {
					writeJSON(ww, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
				}
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			s.log.HTTPEvent().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(begin)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("served http request")
		}()

		next.ServeHTTP(ww, r)
	})
}
