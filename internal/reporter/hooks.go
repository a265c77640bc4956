package reporter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Recover reports a panic of the calling goroutine and stops it from
// unwinding further. It must be called directly by defer:
//
//	defer rep.Recover(ctx)
func (r *Reporter) Recover(ctx context.Context) {
	if v := recover(); v != nil {
		r.panicked(ctx, v)
	}
}

// Guard runs fn and reports a panic raised by it.
func (r *Reporter) Guard(ctx context.Context, fn func()) {
	defer r.Recover(ctx)
	fn()
}

// Middleware reports panics of next and answers 500. http.ErrAbortHandler
// keeps propagating so the server aborts the response.
func (r *Reporter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if err, ok := v.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(v)
			}
			r.panicked(req.Context(), v)
			http.Error(w, `{"error":"internal_server_error","message":"An unexpected error occurred"}`, http.StatusInternalServerError)
		}()

		next.ServeHTTP(w, req)
	})
}

// panicked runs in the deferred frame, so the stack still shows the panic
// site.
func (r *Reporter) panicked(ctx context.Context, v any) (d Decision) {
	defer r.contain(&d)

	err, ok := v.(error)
	if !ok {
		err = fmt.Errorf("%v", v)
	}
	r.report(ctx, &d, TypeName(v), err, fmt.Sprint(v), Stack(2))
	return d
}
