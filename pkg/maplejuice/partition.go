package maplejuice

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/ryandielhenn/zephyrcluster/pkg/ring"
)

// Assignment is the inputs given to one worker.
type Assignment struct {
	Worker string
	Inputs []string
}

// Partitioner splits the ordered inputs across the ordered workers. Workers
// with no inputs get no assignment; assignments come back in the order
// workers first received an input.
type Partitioner func(inputs, workers []string) []Assignment

// RangePartition deals inputs round-robin.
func RangePartition(inputs, workers []string) []Assignment {
	return group(inputs, workers, func(i int, _ string) int { return i % len(workers) })
}

// HashPartition places each input on worker hash(input) % len(workers).
func HashPartition(inputs, workers []string) []Assignment {
	return group(inputs, workers, func(_ int, in string) int {
		return ring.Bucket(in, len(workers))
	})
}

// PartitionerByName resolves the PARTITIONER setting.
func PartitionerByName(name string) (Partitioner, error) {
	switch name {
	case "", "range":
		return RangePartition, nil
	case "hash":
		return HashPartition, nil
	}
	return nil, fmt.Errorf("unknown partitioner %q", name)
}

func group(inputs, workers []string, pick func(int, string) int) []Assignment {
	if len(workers) == 0 {
		return nil
	}
	var out []Assignment
	pos := make(map[string]int)
	for i, in := range inputs {
		w := workers[pick(i, in)]
		j, ok := pos[w]
		if !ok {
			j = len(out)
			pos[w] = j
			out = append(out, Assignment{Worker: w})
		}
		out[j].Inputs = append(out[j].Inputs, in)
	}
	return out
}

// SelectWorkers picks the worker pool from the alive members, never the
// master: every other member when there are at most n of them, otherwise
// the first n in ring order.
func SelectWorkers(alive []string, master string, n int) []string {
	pool := slices.Clone(alive)
	slices.Sort(pool)
	pool = slices.DeleteFunc(pool, func(a string) bool { return a == master })
	if n > 0 && len(pool) > n {
		pool = pool[:n]
	}
	return pool
}

// BucketPrefixes turns intermediate file names {prefix}_{bucket}_{mission}
// into the sorted, distinct bucket prefixes {prefix}_{bucket}_.
func BucketPrefixes(prefix string, names []string) []string {
	var buckets []int
	for _, name := range names {
		rest, ok := strings.CutPrefix(name, prefix+"_")
		if !ok {
			continue
		}
		b, _, ok := strings.Cut(rest, "_")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(b)
		if err != nil || n < 0 {
			continue
		}
		buckets = append(buckets, n)
	}
	slices.Sort(buckets)
	buckets = slices.Compact(buckets)

	out := make([]string, len(buckets))
	for i, b := range buckets {
		out[i] = bucketPrefix(prefix, b)
	}
	return out
}

func bucketPrefix(prefix string, bucket int) string {
	return prefix + "_" + strconv.Itoa(bucket) + "_"
}

func bucketFile(prefix string, bucket, mission int) string {
	return bucketPrefix(prefix, bucket) + strconv.Itoa(mission)
}

func partialFile(dest string, mission int) string {
	return dest + "_" + strconv.Itoa(mission)
}
