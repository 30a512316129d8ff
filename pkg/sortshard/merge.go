package sortshard

import (
	"container/heap"
	"context"
	"fmt"
	"io"

	"github.com/endomorphosis/ccpointers/pkg/pointer"
	"github.com/endomorphosis/ccpointers/pkg/pointerstore"
)

// mergeItem is one candidate record in the merge heap: the record itself
// plus which chunk it came from, so the heap can pull the next record
// from the same chunk once this one is popped.
type mergeItem struct {
	rec      pointer.Record
	chunkIdx int
}

// mergeHeap orders mergeItems by the shard-wide sort key (host_rev, url,
// timestamp, nulls last), the same comparator pointer.SortKey.Less
// enforces everywhere else in the pipeline.
type mergeHeap []mergeItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].rec.Key().Less(h[j].rec.Key()) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) } //nolint:forcetypeassert
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// mergeChunks performs a k-way merge of chunks, each already sorted, and
// writes the merged stream to dstPath via pointerstore's atomic writer.
func mergeChunks(ctx context.Context, chunks []chunkFile, dstPath string, rowGroupTargetRows int) (int64, error) {
	readers := make([]*chunkReader, len(chunks))

	defer func() {
		for _, r := range readers {
			if r != nil {
				_ = r.Close()
			}
		}
	}()

	h := make(mergeHeap, 0, len(chunks))

	for i, cf := range chunks {
		r, err := openChunkReader(cf)
		if err != nil {
			return 0, err
		}

		readers[i] = r

		rec, err := r.next()
		if err == io.EOF {
			if verr := r.verify(); verr != nil {
				return 0, verr
			}

			continue
		}

		if err != nil {
			return 0, fmt.Errorf("sortshard: error reading first record of chunk %d: %w", i, err)
		}

		h = append(h, mergeItem{rec: rec, chunkIdx: i})
	}

	heap.Init(&h)

	w, err := pointerstore.New(dstPath, pointerstore.Options{RowGroupTargetRows: rowGroupTargetRows})
	if err != nil {
		return 0, fmt.Errorf("sortshard: error opening destination writer %q: %w", dstPath, err)
	}

	var n int64

	for h.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		top := heap.Pop(&h).(mergeItem) //nolint:forcetypeassert

		if err := w.Write(top.rec); err != nil {
			return 0, fmt.Errorf("sortshard: error writing merged record: %w", err)
		}

		n++

		next, err := readers[top.chunkIdx].next()

		switch {
		case err == io.EOF:
			if verr := readers[top.chunkIdx].verify(); verr != nil {
				return 0, verr
			}
		case err != nil:
			return 0, fmt.Errorf("sortshard: error reading chunk %d: %w", top.chunkIdx, err)
		default:
			heap.Push(&h, mergeItem{rec: next, chunkIdx: top.chunkIdx})
		}
	}

	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("sortshard: error closing destination writer %q: %w", dstPath, err)
	}

	return n, nil
}
