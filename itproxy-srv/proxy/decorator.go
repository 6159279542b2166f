package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/codefionn/itproxy/itproxy-srv/logger"
)

const (
	localhostPrefix = "http://localhost/"

	headerAllowOrigin      = "Access-Control-Allow-Origin"
	headerAllowCredentials = "Access-Control-Allow-Credentials"
)

// HeaderDecorator adjusts response headers right before they are sent.
// Engines that write a response without going through WriteHeader, such as
// a protocol switch on a hijacked connection, call it themselves.
type HeaderDecorator interface {
	DecorateHeader(statusCode int, header http.Header)
}

// decoratedWriter adds CORS headers and the reverse-proxy Location fix to
// every response it emits.
type decoratedWriter struct {
	http.ResponseWriter

	origin          string
	rewriteLocation bool
	port            int
	requestID       string

	wroteHeader bool
	hijacked    bool
	status      int
}

func newDecoratedWriter(w http.ResponseWriter, origin string, rewriteLocation bool, port int, requestID string) *decoratedWriter {
	return &decoratedWriter{
		ResponseWriter:  w,
		origin:          origin,
		rewriteLocation: rewriteLocation,
		port:            port,
		requestID:       requestID,
	}
}

func (d *decoratedWriter) DecorateHeader(statusCode int, header http.Header) {
	if d.rewriteLocation && statusCode == http.StatusFound {
		if location := header.Get("Location"); location != "" {
			logger.Request(logger.DEBUG, d.requestID, "Original Location Header: %s", location)
			location = strings.Replace(location, localhostPrefix, fmt.Sprintf("http://localhost:%d/", d.port), 1)
			header.Set("Location", location)
			logger.Request(logger.DEBUG, d.requestID, "Rewritten Location Header: %s", location)
		}
	}

	if d.origin != "" {
		header.Set(headerAllowOrigin, d.origin)
	}
	header.Set(headerAllowCredentials, "true")
}

func (d *decoratedWriter) WriteHeader(statusCode int) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Request(logger.WARN, d.requestID, "Header could not be modified: %v", rec)
		}
	}()

	// Informational responses other than 101 may precede the real one.
	if statusCode >= 100 && statusCode < 200 && statusCode != http.StatusSwitchingProtocols {
		d.ResponseWriter.WriteHeader(statusCode)
		return
	}

	if d.wroteHeader || d.hijacked {
		logger.Request(logger.DEBUG, d.requestID, "Header could not be modified: response headers already sent (status %d)", statusCode)
		return
	}
	d.wroteHeader = true
	d.status = statusCode

	d.DecorateHeader(statusCode, d.ResponseWriter.Header())
	d.ResponseWriter.WriteHeader(statusCode)
}

func (d *decoratedWriter) Write(b []byte) (int, error) {
	if !d.wroteHeader {
		d.WriteHeader(http.StatusOK)
	}
	return d.ResponseWriter.Write(b)
}

func (d *decoratedWriter) Flush() {
	if !d.wroteHeader {
		d.WriteHeader(http.StatusOK)
	}
	if f, ok := d.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (d *decoratedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := d.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, newCodedError(ErrCodeHTTPHijackNotSupported, http.ErrNotSupported)
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		return nil, nil, newCodedError(ErrCodeHTTPHijackFailed, err)
	}
	d.hijacked = true
	d.status = http.StatusSwitchingProtocols
	return conn, rw, nil
}

func (d *decoratedWriter) Unwrap() http.ResponseWriter {
	return d.ResponseWriter
}

// Status returns the status code sent to the client, or 0 if none was.
func (d *decoratedWriter) Status() int {
	return d.status
}
