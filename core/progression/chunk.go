package progression

import (
	"context"

	"github.com/pkg/errors"
)

// ChunkFailure records a chunk that could not be fetched by Gather.
type ChunkFailure struct {
	IDs []string
	Err error
}

// ChunkIDs dedupes ids (keeping first occurrences) and splits them in groups of at most size.
func ChunkIDs(ids []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}

	chunks := make([][]string, 0, (len(uniq)+size-1)/size)
	for start := 0; start < len(uniq); start += size {
		end := start + size
		if end > len(uniq) {
			end = len(uniq)
		}
		chunks = append(chunks, uniq[start:end])
	}
	return chunks
}

// Gather runs fetch over every chunk of ids sequentially and merges the results.
// A failing chunk does not stop the others; it is returned in failed so that the caller decides
// whether to retry it. Only a cancelled ctx aborts the gather.
func Gather[T any](
	ctx context.Context,
	ids []string,
	size int,
	fetch func(ctx context.Context, chunk []string) ([]T, error),
) (results []T, failed []ChunkFailure, err error) {
	for _, chunk := range ChunkIDs(ids, size) {
		if err = ctx.Err(); err != nil {
			return results, failed, errors.Wrap(err, "gathering chunks")
		}
		items, fErr := fetch(ctx, chunk)
		if fErr != nil {
			failed = append(failed, ChunkFailure{IDs: chunk, Err: fErr})
			continue
		}
		results = append(results, items...)
	}
	return results, failed, nil
}
