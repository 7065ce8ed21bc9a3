package observability

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
)

// statusWriter captures the response status for the RED view. WriteHeader
// may never be called; the zero value reads as 200.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// HTTPMiddleware traces each request and feeds the RED metrics. Responses
// with a 5xx status count as errors; client errors do not.
func (p *Provider) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := []attribute.KeyValue{
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		}
		ctx, finish := p.TrackOperation(r.Context(), r.Method+" "+r.URL.Path, attrs...)

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(ctx))

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", status))
		var err error
		if status >= http.StatusInternalServerError {
			err = fmt.Errorf("http status %d", status)
		}
		finish(err)
	})
}
