package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dmitrijs2005/bulksync/internal/common"
	"github.com/dmitrijs2005/bulksync/internal/logging"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Poll job status values reported by the server.
const (
	PollStatusInit     = "init"
	PollStatusStarted  = "started"
	PollStatusFinished = "finished"
	PollStatusError    = "error"
)

// PollResult is the server's answer once an asynchronous upload finalization
// completes. On success Etag/FileID are equivalent to a per-file reply.
type PollResult struct {
	Status    string `json:"status"`
	ErrorCode int    `json:"errorCode"`
	Etag      string `json:"etag"`
	FileID    string `json:"fileid"`
}

// Finished reports whether the server-side job completed successfully.
func (r *PollResult) Finished() bool { return r.Status == PollStatusFinished }

// Failed reports whether the server-side job failed.
func (r *PollResult) Failed() bool { return r.Status == PollStatusError }

// PollJob repeatedly GETs a poll URL until the server-side job reaches a
// terminal state or MaxDuration elapses.
type PollJob struct {
	account *Account
	url     string
	log     logging.Logger

	Interval    time.Duration
	MaxDuration time.Duration
}

// NewPollJob prepares a poll against the URL the server returned in
// OC-JobStatus-Location. Relative URLs are resolved against the account.
func NewPollJob(account *Account, pollURL string, log logging.Logger) *PollJob {
	return &PollJob{
		account:     account,
		url:         account.ResolveURL(pollURL),
		log:         log,
		Interval:    5 * time.Second,
		MaxDuration: 30 * time.Minute,
	}
}

// Run blocks until the poll reaches a terminal state. Transport errors are
// retried on the same schedule as pending states; the final error is
// returned when MaxDuration elapses or ctx is done.
func (p *PollJob) Run(ctx context.Context) (*PollResult, error) {
	backoff := retry.WithMaxDuration(p.MaxDuration, retry.NewConstant(p.Interval))

	var result PollResult
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := p.poll(ctx)
		if err != nil {
			p.log.Warn(ctx, "poll attempt failed", "url", p.url, "err", err)
			return retry.RetryableError(err)
		}
		if !res.Finished() && !res.Failed() {
			return retry.RetryableError(common.ErrPollTimeout)
		}
		result = *res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("poll %s: %w", p.url, err)
	}
	return &result, nil
}

func (p *PollJob) poll(ctx context.Context) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	p.account.authorize(req)

	resp, err := p.account.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("poll returned HTTP %d", resp.StatusCode)
	}

	var result PollResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("poll reply: %w", err)
	}
	return &result, nil
}
