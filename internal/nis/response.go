package nis

import (
	"bytes"
	"strconv"
	"time"
)

// Defaults advertised in the synthesized response headers.
const (
	DefaultKeepAliveTimeout = 60 * time.Second
	DefaultMaxRequests      = 1000
	DefaultCacheMaxAge      = 30 * time.Second
	DefaultContentType      = "text/plain"
)

// ResponseOptions controls the header block.  Zero fields take the
// defaults above, which render:
//
//	HTTP/1.1 200
//	Connection: Keep-Alive
//	Keep-Alive: timeout=60, max=1000
//	Cache-Control: max-age=30
//	Content-Type: text/plain
//	Content-Length:<N>
type ResponseOptions struct {
	KeepAliveTimeout time.Duration
	MaxRequests      int
	CacheMaxAge      time.Duration
	ContentType      string
}

func (o ResponseOptions) withDefaults() ResponseOptions {
	if o.KeepAliveTimeout <= 0 {
		o.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if o.MaxRequests <= 0 {
		o.MaxRequests = DefaultMaxRequests
	}
	if o.CacheMaxAge <= 0 {
		o.CacheMaxAge = DefaultCacheMaxAge
	}
	if o.ContentType == "" {
		o.ContentType = DefaultContentType
	}
	return o
}

// Header renders the status line and headers for a body of n bytes,
// including the blank line that ends the block.  There is no space
// after "Content-Length:".
func (o ResponseOptions) Header(n int) []byte {
	o = o.withDefaults()

	var b bytes.Buffer
	b.WriteString("HTTP/1.1 200\r\n")
	b.WriteString("Connection: Keep-Alive\r\n")
	b.WriteString("Keep-Alive: timeout=")
	b.WriteString(strconv.Itoa(int(o.KeepAliveTimeout / time.Second)))
	b.WriteString(", max=")
	b.WriteString(strconv.Itoa(o.MaxRequests))
	b.WriteString("\r\n")
	b.WriteString("Cache-Control: max-age=")
	b.WriteString(strconv.Itoa(int(o.CacheMaxAge / time.Second)))
	b.WriteString("\r\n")
	b.WriteString("Content-Type: ")
	b.WriteString(o.ContentType)
	b.WriteString("\r\n")
	b.WriteString("Content-Length:")
	b.WriteString(strconv.Itoa(n))
	b.WriteString("\r\n\r\n")
	return b.Bytes()
}

// Respond joins the records in order, with no separator, and returns
// the two client writes of an HTTP response: the header block, then the
// body with a flush.
func Respond(records [][]byte, opts ResponseOptions) Actions {
	body := bytes.Join(records, nil)
	if body == nil {
		body = []byte{}
	}
	return Actions{
		{Dir: ToClient, Data: opts.Header(len(body))},
		{Dir: ToClient, Data: body, Flush: true},
	}
}
