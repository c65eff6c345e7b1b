package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// retryBaseDelay is the backoff unit; attempt n waits n²·base plus jitter.
var retryBaseDelay = 500 * time.Millisecond

// doWithRetry executes an HTTP request, retrying up to maxRetries times on
// transport errors, 5xx and 429. With maxRetries == 0 it is a single attempt.
// The final attempt's response is returned as-is, whatever its status, so the
// caller can classify it.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), maxRetries int, logger *slog.Logger) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			// Quadratic backoff plus up to 50% jitter.
			base := time.Duration(attempt*attempt) * retryBaseDelay
			jitter := time.Duration(rand.Int63n(int64(base/2 + 1)))
			backoff := base + jitter
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				logger.Warn("request failed, will retry", "err", err)
				continue
			}
			return nil, err
		}

		if (resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests) && attempt < maxRetries {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			logger.Warn("server error, will retry",
				"status", resp.StatusCode, "body", string(body))
			continue
		}

		return resp, nil
	}
}
