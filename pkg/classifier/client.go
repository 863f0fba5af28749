package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	fieldName      = "image"
	uploadFilename = "photo.jpg"
	statusKey      = "status"
	messageKey     = "message"
	statusFailed   = "Failed"
	maxBodyBytes   = 1 << 20
)

var errNotObject = errors.New("response body is not a JSON object")

// Attribute is one key/value pair extracted from an image, in response order.
type Attribute struct {
	Key   string
	Value string
}

// Result is the binary outcome of a classification call.
type Result struct {
	Succeeded  bool
	Attributes []Attribute
}

// Classifier extracts attributes from raw image bytes.
type Classifier interface {
	Classify(ctx context.Context, image []byte) Result
}

// Client calls the remote attribute extraction endpoint over HTTP.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds a client posting to url with the given timeout.
func NewClient(url string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: timeout},
		logger: logger.Named("classifier"),
	}
}

// Classify posts image as multipart field "image". Any transport error, non-2xx status,
// non-object body or a status of "Failed" yields Succeeded=false; the reason is logged only.
func (c *Client) Classify(ctx context.Context, image []byte) Result {
	attrs, err := c.classify(ctx, image)
	if err != nil {
		c.logger.Warn("classification failed", zap.String("url", c.url), zap.Error(err))
		return Result{}
	}
	return Result{Succeeded: true, Attributes: attrs}
}

func (c *Client) classify(ctx context.Context, image []byte) ([]Attribute, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(fieldName, uploadFilename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	status, attrs, err := decodeAttributes(payload)
	if err != nil {
		return nil, err
	}
	if status == statusFailed {
		return nil, fmt.Errorf("classifier reported status %q", status)
	}
	return attrs, nil
}

// decodeAttributes walks the top-level object keeping key order. Scalar values are
// rendered as text; nested arrays and objects are kept as compact JSON.
func decodeAttributes(payload []byte) (string, []Attribute, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return "", nil, errNotObject
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", nil, errNotObject
	}

	var (
		status string
		attrs  []Attribute
	)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return "", nil, fmt.Errorf("decode key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return "", nil, errNotObject
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return "", nil, fmt.Errorf("decode value of %q: %w", key, err)
		}
		value, err := stringify(raw)
		if err != nil {
			return "", nil, fmt.Errorf("decode value of %q: %w", key, err)
		}
		switch key {
		case statusKey:
			status = value
		case messageKey:
		default:
			attrs = append(attrs, Attribute{Key: key, Value: value})
		}
	}
	if _, err := dec.Token(); err != nil {
		return "", nil, fmt.Errorf("decode object end: %w", err)
	}
	if dec.More() {
		return "", nil, errNotObject
	}
	return status, attrs, nil
}

// stringify renders a JSON value the way it is stored: strings verbatim, true as
// "1", false and null as "", numbers in their shortest decimal form, arrays and
// objects as compact JSON.
func stringify(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	case 'n':
		return "", nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return "", err
		}
		if b {
			return "1", nil
		}
		return "", nil
	case '{', '[':
		buf := &bytes.Buffer{}
		if err := json.Compact(buf, trimmed); err != nil {
			return "", err
		}
		return buf.String(), nil
	default:
		return formatNumber(json.Number(trimmed))
	}
}

func formatNumber(n json.Number) (string, error) {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("invalid number %q: %w", n, err)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}
