package proxy

import (
	"net/http"
	"strings"
)

const (
	rstudioMarker     = "rstudio"
	formURLEncoded    = "application/x-www-form-urlencoded"
	formURLEncodedUTF = "application/x-www-form-urlencoded; charset=UTF-8"
)

// headerRemap lists header keys RStudio only accepts in canonical form.
var headerRemap = map[string]string{
	"content-type":   "Content-Type",
	"content-length": "Content-Length",
}

// RewriteRequest normalizes request headers for backends that reject
// lowercase header names or a charset on form posts. Only requests whose
// URL mentions rstudio are touched. Applying it twice is the same as once.
func RewriteRequest(r *http.Request) {
	if !strings.Contains(r.URL.RequestURI(), rstudioMarker) {
		return
	}

	for from, to := range headerRemap {
		if values, ok := r.Header[from]; ok {
			r.Header[to] = values
			delete(r.Header, from)
		}
	}

	if values := r.Header["Content-Type"]; len(values) == 1 && values[0] == formURLEncodedUTF {
		r.Header["Content-Type"] = []string{formURLEncoded}
	}
}
