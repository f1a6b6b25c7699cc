package signaling

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	protocolVersion = "HTTP/1.0"
	maxBodySize     = 1 << 20
	maxHeaderLines  = 64

	headerAuthorization = "Authorization"
	headerContentLength = "Content-Length"
	headerHashCount     = "X-Hash-Count"
)

// Signal is one outbound request. Fields are fixed at construction and the
// signal is serialized once.
type Signal struct {
	Verb string
	Path string

	Identity string
	Password string
	Counter  int64

	Body []byte
}

// ServerSignal is one inbound, peer-originated request.
type ServerSignal struct {
	Verb    string
	Target  string
	Headers map[string]string
	Body    []byte
}

// SignalResponse is the reply to exactly one outbound Signal.
type SignalResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Encode renders the signal as request line, Authorization, Content-Length,
// blank line, body. Header order is fixed so the output is deterministic.
func (s *Signal) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", s.Verb, s.Path, protocolVersion)
	fmt.Fprintf(&buf, "%s: %s\r\n", headerAuthorization, authorizationValue(s.Identity, s.Password, s.Counter))
	fmt.Fprintf(&buf, "%s: %d\r\n", headerContentLength, len(s.Body))
	buf.WriteString("\r\n")
	buf.Write(s.Body)
	return buf.Bytes()
}

// okResponse is written for inbound signals; the channel is a server too.
var okResponse = []byte(protocolVersion + " 200 OK\r\n" + headerContentLength + ": 0\r\n\r\n")

// DecodeResponse reads a status line, headers and a Content-Length body.
func DecodeResponse(r *bufio.Reader) (*SignalResponse, error) {
	line, err := readStartLine(r)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedFrame, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedFrame, parts[1])
	}

	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	body, err := readBody(r, headers)
	if err != nil {
		return nil, err
	}

	return &SignalResponse{StatusCode: code, Headers: headers, Body: body}, nil
}

// DecodeRequest reads one inbound request with the same framing as Encode.
func DecodeRequest(r *bufio.Reader) (*ServerSignal, error) {
	line, err := readStartLine(r)
	if err != nil {
		return nil, err
	}

	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedFrame, line)
	}

	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	body, err := readBody(r, headers)
	if err != nil {
		return nil, err
	}

	return &ServerSignal{
		Verb:    strings.TrimSpace(parts[0]),
		Target:  strings.TrimSpace(parts[1]),
		Headers: headers,
		Body:    body,
	}, nil
}

// readStartLine skips blank keepalive lines and returns the first real line.
func readStartLine(r *bufio.Reader) (string, error) {
	for {
		line, err := readLine(r)
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if line == "" {
				return "", fmt.Errorf("%w: %w", ErrStreamClosed, err)
			}
			return "", fmt.Errorf("%w: truncated line", ErrMalformedFrame)
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readHeaders(r *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for i := 0; ; i++ {
		if i > maxHeaderLines {
			return nil, fmt.Errorf("%w: too many headers", ErrMalformedFrame)
		}
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, ErrStreamClosed) {
				return nil, fmt.Errorf("%w: stream closed in headers", ErrMalformedFrame)
			}
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

// readBody honors Content-Length. An absent or unparsable length means an
// empty body so a bad header can never make the reader block.
func readBody(r *bufio.Reader, headers map[string]string) ([]byte, error) {
	raw, ok := headerValue(headers, headerContentLength)
	if !ok {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return nil, nil
	}
	if n > maxBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrMalformedFrame, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: body shorter than %d bytes", ErrMalformedFrame, n)
		}
		return nil, err
	}
	return body, nil
}

// headerValue looks a header up exactly as received, then case-insensitively.
func headerValue(headers map[string]string, key string) (string, bool) {
	if v, ok := headers[key]; ok {
		return v, true
	}
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}
