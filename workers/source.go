package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"game-download-coordinator/utils"
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %s", e.Status)
}

// HTTPSource opens archives over HTTP. Transient failures are retried, and
// repeated ones open a circuit so queued downloads fail fast while the
// archive server is down.
type HTTPSource struct {
	client  *http.Client
	retry   *utils.RetryService
	breaker *utils.CircuitBreaker
	logger  *utils.Logger
}

func NewHTTPSource(client *http.Client, logger *utils.Logger) *HTTPSource {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		}
	}
	retry := utils.NewRetryService(logger, utils.DefaultRetryConfig())
	classified := retry.Retryable
	transient := func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return se.Code >= 500 || se.Code == http.StatusTooManyRequests
		}
		return classified(err)
	}
	retry.Retryable = func(err error) bool {
		return !errors.Is(err, utils.ErrCircuitOpen) && transient(err)
	}

	breaker := utils.NewCircuitBreaker("archive-server", nil, logger)
	breaker.IsFailure = func(err error) bool {
		return !errors.Is(err, context.Canceled) && transient(err)
	}
	return &HTTPSource{client: client, retry: retry, breaker: breaker, logger: logger}
}

func (s *HTTPSource) Open(ctx context.Context, url string, offset int64) (io.ReadCloser, int64, int64, error) {
	var (
		body         io.ReadCloser
		start, total int64
	)
	err := s.retry.Execute(ctx, func() error {
		return s.breaker.Execute(ctx, func() error {
			var err error
			body, start, total, err = s.open(ctx, url, offset)
			return err
		}, "open "+url)
	}, "open "+url)
	if err != nil {
		return nil, 0, 0, err
	}
	return body, start, total, nil
}

func (s *HTTPSource) open(ctx context.Context, url string, offset int64) (io.ReadCloser, int64, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, 0, max(resp.ContentLength, 0), nil
	case http.StatusPartialContent:
		total := totalFromContentRange(resp.Header.Get("Content-Range"))
		if total == 0 && resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
		return resp.Body, offset, total, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		// the partial file already holds the whole archive
		if total := totalFromContentRange(resp.Header.Get("Content-Range")); offset > 0 && total == offset {
			return io.NopCloser(strings.NewReader("")), offset, total, nil
		}
		return nil, 0, 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	default:
		resp.Body.Close()
		return nil, 0, 0, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
}

// totalFromContentRange parses "bytes a-b/total" or "bytes */total".
func totalFromContentRange(h string) int64 {
	i := strings.LastIndexByte(h, '/')
	if i < 0 {
		return 0
	}
	n, err := strconv.ParseInt(h[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
