// Package transport is the single HTTP capability the translation engine
// consumes: send one OMF request, get a status code and a response body.
// Connection pooling, TLS, authentication, the retry-sleep loop and timeouts
// all live here, behind the Sender interface, so the engine above stays a
// pure protocol state machine.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// MessageType is the value of the OMF messagetype header. Link and static
// instance payloads travel as Data messages.
type MessageType string

const (
	MessageTypeType      MessageType = "Type"
	MessageTypeContainer MessageType = "Container"
	MessageTypeData      MessageType = "Data"
)

// Sender is the transport capability consumed by the send orchestrator.
type Sender interface {
	// Send posts one OMF message body and returns the HTTP status code.
	// Non-2xx outcomes are returned as the typed errors of this package.
	Send(ctx context.Context, msgType MessageType, body []byte, compress bool) (int, error)
	// LastResponseBody returns the body of the most recent response.
	LastResponseBody() string
	// Probe checks endpoint reachability without sending data.
	Probe(ctx context.Context) error
}

// Config describes the OMF ingress of one endpoint.
type Config struct {
	// BaseURL is the server root, e.g. https://pi.example.com/piwebapi.
	BaseURL string
	// OMFPath is the ingress path relative to BaseURL.
	OMFPath string
	// ProbePath is polled by Probe; empty disables probing.
	ProbePath string
	// ProducerToken authenticates the data producer.
	ProducerToken string
	// OMFVersion is the protocol version header value.
	OMFVersion string
	// Username and Password enable basic auth when set.
	Username string
	Password string
	// BearerToken enables token auth when set.
	BearerToken string
	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration
	// RetryCount is how many times a transient failure is retried with
	// exponential backoff before giving up.
	RetryCount uint64
	// InsecureSkipVerify disables TLS certificate verification for
	// servers with self-signed certificates.
	InsecureSkipVerify bool
}

// Client is the resty-backed Sender implementation.
type Client struct {
	http     *resty.Client
	cfg      Config
	logger   *logrus.Logger
	lastBody string
}

// NewClient builds a transport client for the configured ingress.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.OMFVersion == "" {
		cfg.OMFVersion = "1.2"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")
	if cfg.InsecureSkipVerify {
		http.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	if cfg.Username != "" {
		http.SetBasicAuth(cfg.Username, cfg.Password)
	}
	if cfg.BearerToken != "" {
		http.SetAuthToken(cfg.BearerToken)
	}

	return &Client{http: http, cfg: cfg, logger: logger}
}

// Send posts one OMF message. Transient failures (no response, or a 5xx) are
// retried with exponential backoff up to the configured count; definitive
// responses are translated to typed errors immediately.
func (c *Client) Send(ctx context.Context, msgType MessageType, body []byte, compress bool) (int, error) {
	payload := body
	if compress {
		gz, err := gzipCompress(body)
		if err != nil {
			return 0, fmt.Errorf("failed to compress OMF payload: %w", err)
		}
		payload = gz
	}

	var status int
	operation := func() error {
		req := c.http.R().
			SetContext(ctx).
			SetHeader("messagetype", string(msgType)).
			SetHeader("producertoken", c.cfg.ProducerToken).
			SetHeader("omfversion", c.cfg.OMFVersion).
			SetHeader("messageformat", "JSON").
			SetHeader("action", "create").
			SetBody(payload)
		if compress {
			req.SetHeader("compression", "gzip")
		}

		resp, err := req.Post(c.cfg.OMFPath)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"host":  c.cfg.BaseURL,
				"type":  string(msgType),
				"error": err,
			}).Warn("OMF request failed, will retry")
			return &ConnectionError{Host: c.cfg.BaseURL, WrappedErr: err}
		}

		status = resp.StatusCode()
		c.lastBody = string(resp.Body())
		if status >= 500 {
			c.logger.WithFields(logrus.Fields{
				"host":   c.cfg.BaseURL,
				"type":   string(msgType),
				"status": status,
			}).Warn("OMF request got server error, will retry")
			return &RequestError{StatusCode: status, Body: c.lastBody}
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.RetryCount), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return status, err
	}

	if status >= 200 && status < 300 {
		return status, nil
	}
	return status, statusError(status, c.lastBody)
}

// LastResponseBody returns the body of the most recent response, successful
// or not.
func (c *Client) LastResponseBody() string {
	return c.lastBody
}

// Probe issues a GET against the configured probe path. It does not retry;
// the caller gates probing by time.
func (c *Client) Probe(ctx context.Context) error {
	if c.cfg.ProbePath == "" {
		return nil
	}
	resp, err := c.http.R().SetContext(ctx).Get(c.cfg.ProbePath)
	if err != nil {
		return &ConnectionError{Host: c.cfg.BaseURL, WrappedErr: err}
	}
	if resp.StatusCode() >= 400 {
		return statusError(resp.StatusCode(), string(resp.Body()))
	}
	return nil
}

func statusError(status int, body string) error {
	switch status {
	case 400:
		return &BadRequestError{Body: body}
	case 401:
		return &UnauthorizedError{Body: body}
	case 409:
		return &ConflictError{Body: body}
	default:
		return &RequestError{StatusCode: status, Body: body}
	}
}

func gzipCompress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
