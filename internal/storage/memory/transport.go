package memory

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// roundTripper answers GET requests for memory:// URLs from the store,
// honouring single "bytes=start-end" ranges.
type roundTripper struct {
	store *Store
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		req.Body.Close()
	}
	if req.URL.Scheme != Scheme {
		return nil, fmt.Errorf("memory transport: unsupported scheme %q", req.URL.Scheme)
	}
	if req.Method != http.MethodGet {
		return respond(req, http.StatusMethodNotAllowed, nil, nil), nil
	}

	id := strings.TrimPrefix(req.URL.Path, "/")
	data, ok := rt.store.Content(id)
	if !ok {
		return respond(req, http.StatusNotFound, []byte("object not found"), nil), nil
	}

	rangeHeader := req.Header.Get("Range")
	if rangeHeader == "" {
		return respond(req, http.StatusOK, data, nil), nil
	}
	start, end, ok := parseRange(rangeHeader, int64(len(data)))
	if !ok {
		return respond(req, http.StatusRequestedRangeNotSatisfiable, nil, nil), nil
	}
	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	return respond(req, http.StatusPartialContent, data[start:end+1], header), nil
}

// parseRange parses "bytes=start-end" (end inclusive, clamped to size).
func parseRange(h string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(h, "bytes=")
	if !found {
		return 0, 0, false
	}
	from, to, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end = size - 1
	if to != "" {
		end, err = strconv.ParseInt(to, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		end = min(end, size-1)
	}
	return start, end, true
}

func respond(req *http.Request, status int, body []byte, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
