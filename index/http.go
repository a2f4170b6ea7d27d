package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
)

// HTTPConfig configures the HTTP publisher.
type HTTPConfig struct {
	// BaseURL is the index server root, e.g. "http://localhost:9200".
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// Timeout bounds a single HTTP request.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// MaxElapsed bounds the total retry window for one publish.
	MaxElapsed time.Duration `yaml:"max_elapsed" mapstructure:"max_elapsed"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *HTTPConfig) ApplyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = time.Minute
	}
}

// Validate checks the configuration.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.Config("index: base_url is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.Config(fmt.Sprintf("index: malformed base_url %q: %v", c.BaseURL, err))
	}
	return nil
}

// HTTP publishes documents to an Elasticsearch-compatible server with
// PUT {base}/{collection}/_doc/{id}. Transient responses are retried
// with exponential backoff inside the call; a client error other than
// conflict or throttling is permanent.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	log    *logger.Logger
}

var _ Publisher = (*HTTP)(nil)

// NewHTTP creates an HTTP publisher.
func NewHTTP(cfg HTTPConfig, log *logger.Logger) (*HTTP, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.WithComponent("index"),
	}, nil
}

// Publish upserts doc under docID.
func (h *HTTP) Publish(ctx context.Context, collection, docID string, doc json.RawMessage) error {
	return h.send(ctx, http.MethodPut, collection, docID, doc)
}

// Delete removes the document with docID.
func (h *HTTP) Delete(ctx context.Context, collection, docID string) error {
	return h.send(ctx, http.MethodDelete, collection, docID, nil)
}

func (h *HTTP) send(ctx context.Context, method, collection, docID string, body json.RawMessage) error {
	target := fmt.Sprintf("%s/%s/_doc/%s", h.cfg.BaseURL, url.PathEscape(collection), url.PathEscape(docID))

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = h.cfg.MaxElapsed

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.Config(fmt.Sprintf("index: build request: %v", err)))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return errors.Transient("index request failed").WithCause(err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode < 300:
			return nil
		case method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusTooManyRequests:
			return errors.Transient(fmt.Sprintf("index returned %d for %s", resp.StatusCode, docID))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(errors.Permanent("index_rejected",
				fmt.Sprintf("index rejected %s with status %d", docID, resp.StatusCode)))
		default:
			return errors.Transient(fmt.Sprintf("index returned %d for %s", resp.StatusCode, docID))
		}
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil {
		h.log.Warn("publish failed", logger.Fields(
			logger.FieldCollection, collection, "doc", docID, logger.FieldError, err.Error()))
		return err
	}
	h.log.Debug("document published", logger.Fields(
		logger.FieldCollection, collection, "doc", docID))
	return nil
}
