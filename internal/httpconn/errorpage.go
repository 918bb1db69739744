package httpconn

import (
	"fmt"
	"html"
	"net/http"
)

// errorPageTemplate is the synthetic error page emitted for both the
// 400 invalid-path rejection and any 500 raised while building or
// running a connection's scope.
const errorPageTemplate = `<!DOCTYPE html>
<html>
<head><title>%d %s</title></head>
<body>
<h1>%d %s</h1>
<p>%s</p>
</body>
</html>
`

// writeErrorPage emits the embedded HTML error template with the given
// status and detail, setting Content-Type and Content-Length so the
// connection can stay keep-alive eligible.
func writeErrorPage(w http.ResponseWriter, status int, detail string) {
	body := fmt.Sprintf(errorPageTemplate, status, http.StatusText(status), status, http.StatusText(status), html.EscapeString(detail))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
