// Package warc reads and writes WARC/1.0 record streams. Only the subset the
// workspace needs is implemented: response, request and metadata records with
// Content-Length framed blocks.
package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Version is the record version line this package writes.
const Version = "WARC/1.0"

// Record types.
const (
	TypeWarcinfo = "warcinfo"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeMetadata = "metadata"
)

// Record is one WARC record. Header keys are canonical MIME keys
// ("Warc-Type" for WARC-Type).
type Record struct {
	Header textproto.MIMEHeader
	Block  []byte
}

// Type returns the WARC-Type header.
func (r Record) Type() string {
	return r.Header.Get("WARC-Type")
}

// TargetURI returns the WARC-Target-URI header.
func (r Record) TargetURI() string {
	return r.Header.Get("WARC-Target-URI")
}

// NewResponse builds a response record around a raw HTTP response message.
func NewResponse(recordID, targetURI string, at time.Time, httpMessage []byte) Record {
	h := textproto.MIMEHeader{}
	h.Set("WARC-Type", TypeResponse)
	h.Set("WARC-Record-ID", "<"+recordID+">")
	h.Set("WARC-Date", at.UTC().Format(time.RFC3339))
	h.Set("WARC-Target-URI", targetURI)
	h.Set("Content-Type", "application/http; msgtype=response")
	return Record{Header: h, Block: httpMessage}
}

// NewRequest builds a request record. concurrentTo links it to the response.
func NewRequest(recordID, targetURI, concurrentTo string, at time.Time, httpMessage []byte) Record {
	h := textproto.MIMEHeader{}
	h.Set("WARC-Type", TypeRequest)
	h.Set("WARC-Record-ID", "<"+recordID+">")
	h.Set("WARC-Date", at.UTC().Format(time.RFC3339))
	h.Set("WARC-Target-URI", targetURI)
	if concurrentTo != "" {
		h.Set("WARC-Concurrent-To", "<"+concurrentTo+">")
	}
	h.Set("Content-Type", "application/http; msgtype=request")
	return Record{Header: h, Block: httpMessage}
}

// NewMetadata builds a metadata record of warc-fields describing the record
// identified by concurrentTo.
func NewMetadata(recordID, targetURI, concurrentTo string, at time.Time, fields map[string]string) Record {
	h := textproto.MIMEHeader{}
	h.Set("WARC-Type", TypeMetadata)
	h.Set("WARC-Record-ID", "<"+recordID+">")
	h.Set("WARC-Date", at.UTC().Format(time.RFC3339))
	h.Set("WARC-Target-URI", targetURI)
	if concurrentTo != "" {
		h.Set("WARC-Concurrent-To", "<"+concurrentTo+">")
	}
	h.Set("Content-Type", "application/warc-fields")
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, fields[k])
	}
	return Record{Header: h, Block: buf.Bytes()}
}

// RequestMessage serializes a request line and headers.
func RequestMessage(method string, target *url.URL, header http.Header) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, target.RequestURI())
	clone := header.Clone()
	if clone == nil {
		clone = http.Header{}
	}
	if clone.Get("Host") == "" {
		clone.Set("Host", target.Host)
	}
	_ = clone.Write(&buf)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// HTTPMessage serializes a status line, headers and body as captured on the wire.
func HTTPMessage(proto string, status int, header http.Header, body []byte) []byte {
	if proto == "" {
		proto = "HTTP/1.1"
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", proto, status, http.StatusText(status))
	clone := header.Clone()
	if clone == nil {
		clone = http.Header{}
	}
	clone.Del("Content-Encoding")
	clone.Del("Transfer-Encoding")
	clone.Set("Content-Length", strconv.Itoa(len(body)))
	_ = clone.Write(&buf)
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// Writer emits records to an underlying stream.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write serializes one record.
func (w *Writer) Write(rec Record) error {
	var buf bytes.Buffer
	buf.WriteString(Version + "\r\n")
	keys := []string{"WARC-Type", "WARC-Record-ID", "WARC-Date", "WARC-Target-URI", "Content-Type"}
	written := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if v := rec.Header.Get(k); v != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
		written[textproto.CanonicalMIMEHeaderKey(k)] = struct{}{}
	}
	for k, vs := range rec.Header {
		if _, ok := written[k]; ok || k == "Content-Length" {
			continue
		}
		for _, v := range vs {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(rec.Block))
	buf.Write(rec.Block)
	buf.WriteString("\r\n\r\n")
	_, err := w.w.Write(buf.Bytes())
	return err
}

// Reader iterates records from a stream.
type Reader struct {
	br *bufio.Reader
	tp *textproto.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	br := bufio.NewReader(r)
	return &Reader{br: br, tp: textproto.NewReader(br)}
}

// Next returns the next record or io.EOF.
func (r *Reader) Next() (Record, error) {
	var version string
	for {
		line, err := r.tp.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("read version line: %w", err)
		}
		if strings.TrimSpace(line) != "" {
			version = line
			break
		}
	}
	if !strings.HasPrefix(version, "WARC/") {
		return Record{}, fmt.Errorf("unexpected version line %q", version)
	}
	header, err := r.tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return Record{}, fmt.Errorf("read record header: %w", err)
	}
	length, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64)
	if err != nil || length < 0 {
		return Record{}, fmt.Errorf("invalid Content-Length %q", header.Get("Content-Length"))
	}
	block := make([]byte, length)
	if _, err := io.ReadFull(r.br, block); err != nil {
		return Record{}, fmt.Errorf("read record block: %w", err)
	}
	return Record{Header: header, Block: block}, nil
}

// ResponseBody extracts the HTTP payload of a response record, along with the
// payload's content type.
func ResponseBody(rec Record) ([]byte, string, error) {
	if rec.Type() != TypeResponse {
		return nil, "", fmt.Errorf("record type %q is not a response", rec.Type())
	}
	if !strings.HasPrefix(rec.Header.Get("Content-Type"), "application/http") {
		return rec.Block, rec.Header.Get("Content-Type"), nil
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(rec.Block)), nil)
	if err != nil {
		return nil, "", fmt.Errorf("parse http response: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read http body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
