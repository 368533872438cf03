package maplejuice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangePartition(t *testing.T) {
	got := RangePartition([]string{"a", "b", "c", "d", "e"}, []string{"w1", "w2"})
	assert.Equal(t, []Assignment{
		{Worker: "w1", Inputs: []string{"a", "c", "e"}},
		{Worker: "w2", Inputs: []string{"b", "d"}},
	}, got)

	got = RangePartition([]string{"a"}, []string{"w1", "w2", "w3"})
	assert.Equal(t, []Assignment{{Worker: "w1", Inputs: []string{"a"}}}, got, "idle workers get no mission")

	assert.Nil(t, RangePartition([]string{"a"}, nil))
}

func TestHashPartitionCoversEveryInputOnce(t *testing.T) {
	inputs := []string{"f1", "f2", "f3", "f4", "f5", "f6", "f7"}
	workers := []string{"w1", "w2", "w3"}
	got := HashPartition(inputs, workers)

	seen := make(map[string]string)
	for _, a := range got {
		for _, in := range a.Inputs {
			_, dup := seen[in]
			require.False(t, dup, in)
			seen[in] = a.Worker
		}
	}
	assert.Len(t, seen, len(inputs))
	assert.Equal(t, got, HashPartition(inputs, workers), "deterministic")
}

func TestPartitionerByName(t *testing.T) {
	for _, name := range []string{"", "range", "hash"} {
		p, err := PartitionerByName(name)
		require.NoError(t, err)
		assert.NotNil(t, p)
	}
	_, err := PartitionerByName("random")
	assert.Error(t, err)
}

func TestSelectWorkers(t *testing.T) {
	alive := []string{"n3:1", "n1:1", "n4:1", "n2:1"}
	assert.Equal(t, []string{"n2:1", "n3:1"}, SelectWorkers(alive, "n1:1", 2))
	assert.Equal(t, []string{"n2:1", "n3:1", "n4:1"}, SelectWorkers(alive, "n1:1", 10))
	assert.Empty(t, SelectWorkers([]string{"n1:1"}, "n1:1", 3))
	assert.Equal(t, []string{"n3:1", "n1:1", "n4:1", "n2:1"}, alive, "input untouched")
}

func TestBucketPrefixes(t *testing.T) {
	names := []string{"docs_3_0", "docs_3_1", "docs_10_0", "docs_x_0", "docs_1", "other_2_0"}
	assert.Equal(t, []string{"docs_3_", "docs_10_"}, BucketPrefixes("docs", names))
	assert.Empty(t, BucketPrefixes("docs", nil))
}

func TestFileNames(t *testing.T) {
	assert.Equal(t, "docs_3_7", bucketFile("docs", 3, 7))
	assert.Equal(t, "out_2", partialFile("out", 2))
}

func TestGate(t *testing.T) {
	g := newGate(2)
	g.complete()
	select {
	case <-g.Done():
		t.Fatal("released early")
	default:
	}
	g.complete()
	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("not released")
	}

	select {
	case <-newGate(0).Done():
	default:
		t.Fatal("empty gate must start released")
	}
}

func TestFreeWorkers(t *testing.T) {
	f := newFreeWorkers(1)
	_, ok := f.take(context.Background(), 10*time.Millisecond)
	assert.False(t, ok)

	f.put("w1")
	f.put("w2") // full, dropped
	w, ok := f.take(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, "w1", w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = f.take(ctx, time.Minute)
	assert.False(t, ok)
}

func TestMissionAssignResetsPhase(t *testing.T) {
	m := newMission(1, KindMaple, []string{"a"})
	m.assign("w1")
	m.advance(PhaseComputed)
	assert.Equal(t, PhaseComputed, m.Phase())

	m.assign("w2")
	assert.Equal(t, PhaseAssigned, m.Phase())
	assert.Equal(t, "w2", m.Worker())
	assert.Equal(t, []string{"a"}, m.Inputs)
}
