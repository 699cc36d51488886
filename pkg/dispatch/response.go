package dispatch

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/lkarlslund/poolrouter/pkg/router"
	"github.com/lkarlslund/poolrouter/pkg/tokens"
	"github.com/lkarlslund/poolrouter/pkg/upstream"
)

var errNotRelayed = errors.New("stream closed before relay")

// Response is a successful upstream answer. Streaming responses hold the
// open upstream body until Relay or Close; usage is settled then.
type Response struct {
	Candidate  router.Candidate
	AccountID  string
	StatusCode int
	Header     http.Header
	Body       []byte
	Usage      tokens.Usage
	// Attempts lists the failed steps before this response.
	Attempts []Attempt

	stream    io.ReadCloser
	estimator *tokens.Estimator
	settle    func(tokens.Usage, error)
	once      sync.Once
}

func (r *Response) Streaming() bool { return r.stream != nil }

func (r *Response) finish(u tokens.Usage, err error) {
	r.once.Do(func() {
		if r.settle != nil {
			r.settle(u, err)
		}
	})
}

// Relay writes the response to w. Streams are copied chunk by chunk with a
// flush after each one, and their usage is read from the SSE events.
func (r *Response) Relay(w http.ResponseWriter) error {
	upstream.CopyResponseHeaders(w.Header(), r.Header)
	if r.stream == nil {
		w.WriteHeader(r.StatusCode)
		_, err := w.Write(r.Body)
		return err
	}
	defer r.stream.Close()
	w.WriteHeader(r.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	parser := tokens.NewSSEUsageParser(r.estimator)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := r.stream.Read(buf)
		if n > 0 {
			parser.Consume(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				r.Usage = parser.Usage()
				r.finish(r.Usage, writeErr)
				return writeErr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			r.Usage = parser.Usage()
			r.finish(r.Usage, nil)
			return nil
		}
		if readErr != nil {
			r.Usage = parser.Usage()
			r.finish(r.Usage, readErr)
			return readErr
		}
	}
}

// Close releases a stream that was never relayed. The reservation is
// committed at its estimate since the upstream already accepted the call.
func (r *Response) Close() error {
	if r.stream == nil {
		return nil
	}
	err := r.stream.Close()
	r.finish(tokens.Usage{}, errNotRelayed)
	return err
}
