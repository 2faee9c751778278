package jobs

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-asyncops/pkg/batch"
	"github.com/illmade-knight/go-asyncops/pkg/store"
)

// BulkWriter is the task for bulk_operation jobs: every item is written to
// a table in store-sized batches.
type BulkWriter struct {
	table store.Table
	// OnWritten is called once a job stops writing, whether it completes or
	// not, e.g. to invalidate cached views of the table before the job is
	// reported done.
	OnWritten func(ctx context.Context)
}

// NewBulkWriter creates a BulkWriter over table.
func NewBulkWriter(table store.Table) *BulkWriter {
	return &BulkWriter{table: table}
}

// NewTask is a TaskFactory.
func (b *BulkWriter) NewTask(context.Context, Job) (Task, error) {
	return &bulkTask{writer: b, op: batch.StoreWriteOp(b.table)}, nil
}

type bulkTask struct {
	writer *BulkWriter
	op     batch.Op[store.Item]
}

func (t *bulkTask) Process(ctx context.Context, chunk []store.Item) error {
	return t.op(ctx, chunk)
}

func (t *bulkTask) Finish(ctx context.Context, job Job, run batch.Result[store.Item]) (Result, error) {
	if t.writer.OnWritten != nil {
		t.writer.OnWritten(ctx)
	}
	return Result{Summary: fmt.Sprintf("wrote %d of %d items", run.Succeeded, run.Total)}, nil
}

func (t *bulkTask) Abort(ctx context.Context) {
	if t.writer.OnWritten != nil {
		t.writer.OnWritten(ctx)
	}
}
