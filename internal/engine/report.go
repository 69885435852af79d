package engine

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
)

// ErrReportUnavailable is returned until at least one batch has been pushed.
var ErrReportUnavailable = errors.New("error report not available before the first pushed batch")

// ReportHeader is the first row of the error report.
var ReportHeader = []string{"batch_sequence", "source_record_id", "error_kind", "message"}

// ErrorReport writes the per-record failures of a job as CSV.
func (e Engine) ErrorReport(ctx context.Context, jobID string, w io.Writer) error {
	if _, err := e.Repo.GetJob(ctx, jobID); err != nil {
		return err
	}
	pushed, err := e.Repo.CountPushedBatches(ctx, jobID)
	if err != nil {
		return err
	}
	if pushed == 0 {
		return ErrReportUnavailable
	}
	failures, err := e.Repo.ListRecordFailures(ctx, jobID)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(ReportHeader); err != nil {
		return err
	}
	for _, f := range failures {
		if err := cw.Write([]string{strconv.Itoa(f.BatchSequence), f.SourceRecordID, f.ErrorKind, f.Message}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
