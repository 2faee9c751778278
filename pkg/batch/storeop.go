package batch

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-asyncops/pkg/store"
)

// StoreWriteOp returns an Op that writes chunks with table.BatchWrite. Items
// missing their primary key fail permanently without a store call; items the
// store hands back unprocessed are retried as transient failures.
func StoreWriteOp(table store.Table) Op[store.Item] {
	return func(ctx context.Context, chunk []store.Item) error {
		failures := make(map[int]error)
		valid := make([]store.Item, 0, len(chunk))
		positions := make([]int, 0, len(chunk))
		for i, item := range chunk {
			if item.PartitionKey() == "" || item.SortKey() == "" {
				failures[i] = Permanent(fmt.Errorf("%w: item is missing its primary key", store.ErrValidation))
				continue
			}
			valid = append(valid, item)
			positions = append(positions, i)
		}

		if len(valid) > 0 {
			unprocessed, err := table.BatchWrite(ctx, valid)
			if err != nil {
				if len(failures) == 0 {
					return err
				}
				for _, p := range positions {
					failures[p] = err
				}
				return &PartialError{Failed: failures}
			}
			if len(unprocessed) > 0 {
				byKey := make(map[string]int, len(valid))
				for i, item := range valid {
					byKey[item.PartitionKey()+"\x00"+item.SortKey()] = positions[i]
				}
				for _, item := range unprocessed {
					if p, ok := byKey[item.PartitionKey()+"\x00"+item.SortKey()]; ok {
						failures[p] = Transient(fmt.Errorf("%w: item left unprocessed by the store", store.ErrThrottled))
					}
				}
			}
		}

		if len(failures) > 0 {
			return &PartialError{Failed: failures}
		}
		return nil
	}
}
