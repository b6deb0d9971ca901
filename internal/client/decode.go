package client

import (
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodedBody reads from the decoder and closes every layer beneath it.
type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// decodeBody undoes a Content-Encoding the origin applied despite the
// identity Accept-Encoding the relay sends. The relay drops Content-Encoding
// before responding, so the body it forwards must be the plain entity.
// decoded is false for identity bodies and for encodings it cannot undo;
// those are returned untouched.
func decodeBody(resp *http.Response) (body io.ReadCloser, decoded bool, err error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	switch encoding {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			return emptyBody(resp.Body), true, nil
		}
		if err != nil {
			return nil, false, err
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, resp.Body}}, true, nil
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			return emptyBody(resp.Body), true, nil
		}
		if err != nil {
			return nil, false, err
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, resp.Body}}, true, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), closers: []io.Closer{resp.Body}}, true, nil
	default:
		return resp.Body, false, nil
	}
}

func emptyBody(orig io.Closer) io.ReadCloser {
	return &decodedBody{Reader: strings.NewReader(""), closers: []io.Closer{orig}}
}
