package server

import (
	"context"

	"h2d/internal/http2"
)

// streamAdapter lets an http2.StreamWriter satisfy ResponseWriterStream /
// ErrorResponseWriterStream, translating between http2.HeaderField and this
// package's own HeaderField so internal/http2 never has to import
// internal/server (see RequestDispatcherFunc's doc comment).
type streamAdapter struct {
	sw http2.StreamWriter
}

func newStreamAdapter(sw http2.StreamWriter) *streamAdapter {
	return &streamAdapter{sw: sw}
}

func (a *streamAdapter) SendHeaders(headers []HeaderField, endStream bool) error {
	return a.sw.SendHeaders(serverHeadersToHttp2Headers(headers), endStream)
}

func (a *streamAdapter) WriteData(p []byte, endStream bool) (int, error) {
	return a.sw.WriteData(p, endStream)
}

func (a *streamAdapter) WriteTrailers(trailers []HeaderField) error {
	return a.sw.WriteTrailers(serverHeadersToHttp2Headers(trailers))
}

func (a *streamAdapter) ID() uint32 {
	return a.sw.ID()
}

func (a *streamAdapter) Context() context.Context {
	return a.sw.Context()
}

func serverHeadersToHttp2Headers(headers []HeaderField) []http2.HeaderField {
	if headers == nil {
		return nil
	}
	h2Headers := make([]http2.HeaderField, len(headers))
	for i, h := range headers {
		h2Headers[i] = http2.HeaderField{Name: h.Name, Value: h.Value}
	}
	return h2Headers
}
