// Package worker runs cells on a bounded pool and paces provider calls.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Run applies fn to every key with at most workers calls in flight and
// returns the results in key order. Once ctx is done no further keys are
// started; their slots keep the zero R.
func Run[K, R any](ctx context.Context, workers int, keys []K, fn func(ctx context.Context, key K) R) []R {
	if len(keys) == 0 {
		return nil
	}

	out := make([]R, len(keys))
	var g errgroup.Group
	g.SetLimit(max(workers, 1))
	for i, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() == nil {
				out[i] = fn(ctx, key)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ReadIDsFromFile reads politician ids from a file (one per line).
// Blank lines and # comments are skipped; duplicates keep first position.
func ReadIDsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var ids []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !seen[line] {
			seen[line] = true
			ids = append(ids, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return ids, nil
}
