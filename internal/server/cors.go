package server

import "net/http"

// applyAccessControl implements the CORS stage. When an origin allow-list
// is configured, the request's Origin is echoed back if allow-listed and
// credentials are always allowed. A preflight request (OPTIONS carrying
// Access-Control-Request-Method) is answered terminally: the function
// fills resp with the full preflight answer and reports it, after which
// the connection closes.
func applyAccessControl(allowedOrigins map[string]struct{}, req *http.Request, resp *Response) (preflight bool) {
	if len(allowedOrigins) == 0 {
		return false
	}

	origin := req.Header.Get("Origin")
	if _, ok := allowedOrigins[origin]; ok && origin != "" {
		resp.Header.Set("Access-Control-Allow-Origin", origin)
	}
	resp.Header.Set("Access-Control-Allow-Credentials", "true")

	if req.Method == http.MethodOptions && req.Header.Get("Access-Control-Request-Method") != "" {
		resp.StatusCode = http.StatusOK
		resp.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
		resp.Header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-HTTP-Method-Override")
		resp.SetBody("text/plain", []byte("Preflight OK"))
		resp.CloseConnection()
		return true
	}
	return false
}
