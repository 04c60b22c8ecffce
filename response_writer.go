package x402

import (
	"bytes"
	"net/http"
)

// bufferedResponseWriter holds the protected handler's response until the
// settlement decision is made, so the status can be inspected and the
// settlement header added before anything reaches the client.
type bufferedResponseWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newBufferedResponseWriter() *bufferedResponseWriter {
	return &bufferedResponseWriter{header: make(http.Header)}
}

func (w *bufferedResponseWriter) Header() http.Header {
	return w.header
}

func (w *bufferedResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
}

func (w *bufferedResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(p)
}

// Status returns the recorded status, 200 if the handler never set one.
func (w *bufferedResponseWriter) Status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.status
}

// flushTo copies the buffered response to w. Headers already set on w are kept.
func (w *bufferedResponseWriter) flushTo(dst http.ResponseWriter) error {
	h := dst.Header()
	for k, v := range w.header {
		h[k] = v
	}
	dst.WriteHeader(w.Status())
	_, err := dst.Write(w.body.Bytes())
	return err
}
