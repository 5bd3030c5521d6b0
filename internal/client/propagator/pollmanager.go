package propagator

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/bulksync/internal/client/models"
	"github.com/dmitrijs2005/bulksync/internal/journal"
	"github.com/dmitrijs2005/bulksync/internal/transport"
)

// pollOutcome carries a finished poll back to the owning goroutine.
type pollOutcome struct {
	pu     *preparedUpload
	result *transport.PollResult
	err    error
}

// startPoll persists the poll record and starts the poll job. The record
// must be durable before polling begins so an interrupted client can resume
// the poll on its next run. The outer queue keeps being scheduled while the
// poll is in flight; outcomes are reaped in waitForPolls.
func (j *BulkPropagatorJob) startPoll(ctx context.Context, pu *preparedUpload, pollURL string) {
	item := pu.item

	info := journal.PollInfo{
		File:     item.File,
		URL:      pollURL,
		Modtime:  item.Modtime,
		FileSize: item.Size,
	}
	if err := j.p.Journal.SetPollInfo(ctx, info); err != nil {
		j.done(ctx, item, models.NormalError, fmt.Sprintf("Error writing poll record: %s", err))
		return
	}
	if err := j.p.Journal.Commit(ctx, "set poll info"); err != nil {
		j.done(ctx, item, models.NormalError, fmt.Sprintf("Error writing poll record: %s", err))
		return
	}

	j.p.Log.Info(ctx, "polling asynchronous upload", "file", item.File, "url", pollURL)

	job := transport.NewPollJob(j.p.Account, pollURL, j.p.Log)
	if j.p.PollInterval > 0 {
		job.Interval = j.p.PollInterval
	}

	j.pollsActive++
	go func() {
		result, err := job.Run(ctx)
		j.pollResults <- pollOutcome{pu: pu, result: result, err: err}
	}()
}

// waitForPolls reaps every outstanding poll job. The batch is only finished
// once no poll is in flight.
func (j *BulkPropagatorJob) waitForPolls(ctx context.Context) {
	for ; j.pollsActive > 0; j.pollsActive-- {
		outcome := <-j.pollResults
		j.handlePollOutcome(ctx, outcome)
	}
}

// handlePollOutcome resumes reconciliation for an item whose upload the
// server finalized asynchronously. The poll record is removed in every case:
// it only lives while no terminal status has been emitted.
func (j *BulkPropagatorJob) handlePollOutcome(ctx context.Context, outcome pollOutcome) {
	item := outcome.pu.item

	_ = j.p.Journal.DeletePollInfo(ctx, item.File)
	_ = j.p.Journal.Commit(ctx, "remove poll info")

	if outcome.err != nil {
		j.done(ctx, item, models.SoftError, outcome.err.Error())
		return
	}

	result := outcome.result
	if result.Failed() {
		item.HTTPErrorCode = result.ErrorCode
		status := classifyError(nil, result.ErrorCode)
		if status == models.Success || status == models.NoStatus {
			status = models.NormalError
		}
		j.done(ctx, item, status, fmt.Sprintf("Poll job failed with error code %d", result.ErrorCode))
		return
	}

	if etag := parseEtag(result.Etag); etag != "" {
		item.Etag = etag
	}
	if result.FileID != "" {
		item.FileID = result.FileID
	}

	j.finalizeItem(ctx, outcome.pu)
}
