package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
)

// Version is the product version reported in the Server header.
const Version = "2.0.0"

var serverHeader = "Vigil/" + Version

// Response is an in-memory HTTP response assembled by the validation
// pipeline or a handler and written out in one piece.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse returns a 200 response carrying the server identification
// header, as every response must.
func NewResponse() *Response {
	h := make(http.Header)
	h.Set("Server", serverHeader)
	return &Response{StatusCode: http.StatusOK, Header: h}
}

// SetBody replaces the body and content type.
func (r *Response) SetBody(contentType string, body []byte) {
	r.Header.Set("Content-Type", contentType)
	r.Body = body
}

// SetJSONBody marshals v as the response body. A marshal failure is turned
// into a plain-text 500 body so a framed response is always written.
func (r *Response) SetJSONBody(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.StatusCode = http.StatusInternalServerError
		r.SetBody("text/plain", []byte("response serialization failed"))
		return
	}
	r.SetBody("application/json", data)
}

// CloseConnection marks the response as the last one on this connection.
func (r *Response) CloseConnection() {
	r.Header.Set("Connection", "close")
}

// Write emits the complete framed response. The caller flushes.
func (r *Response) Write(bw *bufio.Writer) error {
	r.Header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	if err := r.writeHead(bw); err != nil {
		return err
	}
	_, err := bw.Write(r.Body)
	return err
}

// WriteChunkedHead emits the status line and headers with chunked framing
// and no body; the caller owns the body from here on. Used when entering
// streaming mode.
func (r *Response) WriteChunkedHead(bw *bufio.Writer) error {
	r.Header.Del("Content-Length")
	r.Header.Set("Transfer-Encoding", "chunked")
	return r.writeHead(bw)
}

func (r *Response) writeHead(bw *bufio.Writer) error {
	status := r.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, text); err != nil {
		return err
	}

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Header[k] {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := bw.WriteString("\r\n")
	return err
}

// errorStatus is the JSON error document shape used by the API.
type errorStatus struct {
	Error      int    `json:"error"`
	Status     string `json:"status"`
	Diagnostic string `json:"diagnostic_information,omitempty"`
}

// setBadRequestBody fills a 400 response. The body is JSON when the client
// asked for it, HTML otherwise.
func setBadRequestBody(resp *Response, accept, detail string) {
	resp.StatusCode = http.StatusBadRequest
	if accept == "application/json" {
		resp.SetJSONBody(errorStatus{Error: 400, Status: "Bad Request: " + detail})
	} else {
		body := "<h1>Bad Request</h1><p><pre>" + html.EscapeString(detail) + "</pre></p>"
		resp.SetBody("text/html", []byte(body))
	}
	resp.CloseConnection()
}

// setUnauthorizedBody fills a 401 response with the authentication
// challenge.
func setUnauthorizedBody(resp *Response, accept string) {
	const status = "Unauthorized. Please check your user credentials."
	resp.StatusCode = http.StatusUnauthorized
	resp.Header.Set("WWW-Authenticate", `Basic realm="Vigil"`)
	if accept == "application/json" {
		resp.SetJSONBody(errorStatus{Error: 401, Status: status})
	} else {
		resp.SetBody("text/html", []byte("<h1>"+status+"</h1>"))
	}
	resp.CloseConnection()
}

// setInternalErrorBody fills a 500 response carrying diagnostic detail.
func setInternalErrorBody(resp *Response, diagnostic string) {
	resp.StatusCode = http.StatusInternalServerError
	resp.SetJSONBody(errorStatus{
		Error:      500,
		Status:     "Unhandled exception",
		Diagnostic: diagnostic,
	})
}
