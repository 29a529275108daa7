package server

import (
	"bufio"
	"errors"
	"io"
	"math"
	"net/http"
)

// maxHeaderBytes bounds how much of the stream one request's header
// section may occupy.
const maxHeaderBytes = 1024 * 1024

// errBodyTooLarge reports a request body exceeding the effective ceiling.
var errBodyTooLarge = errors.New("request body exceeds the configured content length limit")

// Request is a fully read, validated API request handed to the dispatcher.
type Request struct {
	Method     string
	Target     string
	ProtoMajor int
	ProtoMinor int
	// Header lookups are case-insensitive; an absent field reads as "".
	Header http.Header
	Body   []byte
}

// KeepAlive reports whether the connection may serve another request after
// this one: HTTP/1.1 without an explicit close.
func (r *Request) KeepAlive() bool {
	return r.ProtoMajor == 1 && r.ProtoMinor == 1 && r.Header.Get("Connection") != "close"
}

// connReader reads requests off the secured stream. The byte budget of the
// underlying LimitedReader is reset to the header ceiling before each
// header section and opened up for the body, the same bounding technique
// net/http's server uses for its connections.
type connReader struct {
	lr *io.LimitedReader
	br *bufio.Reader
}

func newConnReader(src io.Reader) *connReader {
	lr := &io.LimitedReader{R: src, N: maxHeaderBytes}
	return &connReader{lr: lr, br: bufio.NewReader(lr)}
}

// readHeader parses the next request's header section only. The returned
// request's Body has not been touched.
func (cr *connReader) readHeader() (*http.Request, error) {
	cr.lr.N = maxHeaderBytes
	req, err := http.ReadRequest(cr.br)
	if err != nil {
		if cr.lr.N <= 0 {
			return nil, errors.New("request header section too large")
		}
		return nil, err
	}
	return req, nil
}

// readBody consumes the request body, enforcing the given ceiling. The
// ceiling applies to the decoded body; transfer framing is unbounded here
// because the header budget no longer applies.
func (cr *connReader) readBody(req *http.Request, limit int64) ([]byte, error) {
	if req.ContentLength > limit {
		return nil, errBodyTooLarge
	}

	cr.lr.N = math.MaxInt64
	defer req.Body.Close()

	body, err := io.ReadAll(io.LimitReader(req.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// knownMethods are the verbs an X-Http-Method-Override header may name.
// The match is case-sensitive.
var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodConnect: {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// applyMethodOverride substitutes the effective method when the override
// header names a known verb. Unknown values are ignored.
func applyMethodOverride(req *http.Request) {
	if override := req.Header.Get("X-Http-Method-Override"); override != "" {
		if _, ok := knownMethods[override]; ok {
			req.Method = override
		}
	}
}

// protoSupported reports whether the request's protocol version is one the
// engine speaks. Anything else is rejected before the body is read.
func protoSupported(req *http.Request) bool {
	return req.ProtoMajor == 1 && (req.ProtoMinor == 0 || req.ProtoMinor == 1)
}
