package cl

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSpans(t *testing.T) {
	for total := 1; total <= 96; total++ {
		for n := 1; n <= 8; n++ {
			spans, err := Spans(total, n)
			if total%n != 0 {
				var partitionErr *InvalidPartitionError
				require.True(t, errors.As(err, &partitionErr), "Spans(%d, %d) should fail", total, n)
				require.Equal(t, total, partitionErr.TotalSize)
				require.Equal(t, n, partitionErr.Count)
				require.Nil(t, spans)
				continue
			}
			require.NoError(t, err)
			require.Len(t, spans, n)
			// Contiguous, equal, disjoint and covering exactly [0, total).
			next := 0
			for _, span := range spans {
				require.Equal(t, next, span.Offset)
				require.Equal(t, total/n, span.Size)
				next = span.End()
			}
			require.Equal(t, total, next)
		}
	}

	_, err := Spans(64, 0)
	require.Error(t, err)
	_, err = Spans(0, 4)
	require.Error(t, err)
	require.Equal(t, "[16, 32)", Span{Offset: 16, Size: 16}.String())
}

func TestPartition(t *testing.T) {
	rt, drv := newHostRuntime(t, fourGPUs)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()

	base := capture(ctx.NewBuffer(MemReadWrite, 64*4)).Test(t)

	// Not divisible: fails and allocates nothing.
	_, err := Partition(base, 3)
	var partitionErr *InvalidPartitionError
	require.True(t, errors.As(err, &partitionErr))
	require.Zero(t, drv.Stats().SubBuffersCreated)

	// A single device uses the base directly.
	single := capture(Partition(base, 1)).Test(t)
	require.Equal(t, 1, single.Len())
	require.Same(t, base, single.ForDevice(0))
	require.Zero(t, drv.Stats().SubBuffersCreated)

	regions := capture(Partition(base, 4)).Test(t)
	require.Equal(t, 4, regions.Len())
	require.Same(t, base, regions.ForDevice(0))
	require.Equal(t, int64(3), drv.Stats().SubBuffersCreated)
	for ii := 1; ii < 4; ii++ {
		sub := regions.ForDevice(ii)
		require.True(t, sub.IsSubBuffer())
		require.Same(t, base, sub.Parent())
		require.Equal(t, regions.Span(ii).Offset, sub.Origin())
		require.Equal(t, 64, sub.Size())
	}
	require.Equal(t, 4, ctx.Janitor().LiveByRank(RankMemory), "the base and 3 sub-buffers")
	require.NoError(t, regions.Destroy())
	require.NoError(t, regions.Destroy())
	require.Equal(t, 1, ctx.Janitor().LiveByRank(RankMemory))

	// Sub-buffers can't be partitioned.
	sub := capture(base.SubBuffer(0, 0, 64)).Test(t)
	_, err = Partition(sub, 2)
	require.Error(t, err)
	require.Equal(t, 2, ctx.Janitor().LiveByRank(RankMemory))
}

func TestPartitionMisaligned(t *testing.T) {
	rt, drv := newHostRuntime(t, `
platforms:
  - name: strict
    devices:
      - {name: gpu-0, kind: gpu, mem_base_addr_align: 128}
      - {name: gpu-1, kind: gpu, mem_base_addr_align: 128}
`)
	ctx := newGPUContext(t, rt)
	defer func() { require.NoError(t, ctx.Destroy()) }()
	require.Equal(t, 128, ctx.Devices()[0].MemBaseAddrAlign())

	// 4 regions of 96 bytes: the second starts at 96, not aligned to 128.
	base := capture(ctx.NewBuffer(MemReadWrite, 4*96)).Test(t)
	_, err := Partition(base, 4)
	var partitionErr *InvalidPartitionError
	require.True(t, errors.As(err, &partitionErr), "got %v", err)
	require.Equal(t, 1, ctx.Janitor().LiveByRank(RankMemory), "no sub-buffer may be left allocated")
	require.Equal(t, int64(1), drv.Stats().MemObjects)

	// 2 regions of 192 bytes: 192 is not aligned either.
	_, err = Partition(base, 2)
	require.True(t, errors.As(err, &partitionErr))

	regions := capture(Partition(capture(ctx.NewBuffer(MemReadWrite, 2*128)).Test(t), 2)).Test(t)
	require.Equal(t, 2, regions.Len())
}
