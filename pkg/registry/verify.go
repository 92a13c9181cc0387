package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/loglineos/core/pkg/crypto"
	"github.com/loglineos/core/pkg/record"
)

// VerifyReport summarizes a ledger verification pass.
type VerifyReport struct {
	Rows     int
	Sealed   int
	Failures []VerifyFailure
}

// VerifyFailure is one row that failed verification.
type VerifyFailure struct {
	ID     string
	Seq    int64
	Reason string
}

// OK reports whether the pass found no failures.
func (r *VerifyReport) OK() bool { return len(r.Failures) == 0 }

// VerifyLedger walks every row visible to sess in insertion order and
// checks the cryptographic envelope of each sealed row plus per-id seq
// monotonicity. It pages through the timeline; the ledger may grow while
// the pass runs, which only extends the scan.
func VerifyLedger(ctx context.Context, store Store, sess Session) (*VerifyReport, error) {
	report := &VerifyReport{}
	seqs := make(map[string]int64)
	seen := make(map[string]bool)

	var since time.Time
	for {
		rows, err := store.Select(ctx, sess, Query{
			SinceAt:     since,
			OldestFirst: true,
			Limit:       500,
		})
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		if len(rows) == 0 {
			return report, nil
		}
		for i := range rows {
			r := &rows[i]
			report.Rows++
			checkRow(report, r, seqs, seen)
		}
		last := rows[len(rows)-1].At
		if !last.After(since) {
			// A page of identical timestamps cannot advance the scan.
			return report, fmt.Errorf("ledger scan stalled at %s", last.Format(TimeLayout))
		}
		since = last
	}
}

func checkRow(report *VerifyReport, r *record.Record, seqs map[string]int64, seen map[string]bool) {
	if r.HasProof() {
		report.Sealed++
		if err := crypto.VerifyRow(r); err != nil {
			report.Failures = append(report.Failures, VerifyFailure{
				ID: r.ID, Seq: r.Seq, Reason: err.Error(),
			})
		}
	} else if r.IncompleteProof() {
		report.Failures = append(report.Failures, VerifyFailure{
			ID: r.ID, Seq: r.Seq, Reason: "half-filled envelope",
		})
	}

	if seen[r.ID] {
		if r.Seq <= seqs[r.ID] {
			report.Failures = append(report.Failures, VerifyFailure{
				ID: r.ID, Seq: r.Seq,
				Reason: fmt.Sprintf("seq %d not above prior %d", r.Seq, seqs[r.ID]),
			})
		}
	}
	if !seen[r.ID] || r.Seq > seqs[r.ID] {
		seqs[r.ID] = r.Seq
	}
	seen[r.ID] = true
}
