package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabricflow/src/fabric/dma"
	"fabricflow/src/fabric/graph"
	"fabricflow/src/fabric/registry"
	"fabricflow/src/fabric/runtime"
	"fabricflow/src/fabric/xbar"
)

func testImage(t *testing.T) (*registry.Registry, *Fabric, *runtime.Orchestrator) {
	t.Helper()
	reg, err := registry.New([]registry.OperatorDescriptor{
		{Id: "mult", InPorts: []int{3, 4}, OutPorts: []int{3}},
		{Id: "scale", InPorts: []int{5}, OutPorts: []int{6}, CtrlBlock: "scale_ctrl"},
	}, []registry.ChannelDescriptor{
		{Index: 0, SendPort: 0, RecvPort: 0, Name: "axi_dma_return"},
		{Index: 1, SendPort: 1, RecvPort: 1, Name: "axi_dma_1"},
		{Index: 2, SendPort: 2, RecvPort: 2, Name: "axi_dma_2"},
	})
	require.NoError(t, err)

	fabric := NewFabric(reg)
	fabric.RegisterModel("mult", BinaryElementwise(graph.I32, func(a, b int64) int64 { return a * b }))
	fabric.RegisterModel("scale", UnaryScalar(graph.I32, 1, func(v int64, s []uint32) int64 {
		return v * int64(int32(s[0]))
	}))

	channels, err := dma.NewManager(reg, fabric)
	require.NoError(t, err)
	switchCtl := xbar.NewController(fabric.SwitchBlock(), 8, nil)
	orch := runtime.NewOrchestrator(reg, switchCtl, channels, fabric, runtime.Config{
		WaitTimeout:    20 * time.Millisecond,
		MaxResultBytes: 1 << 10,
	})
	return reg, fabric, orch
}

func TestEndToEndMult(t *testing.T) {
	reg, _, orch := testImage(t)

	a := graph.NewSource(graph.I32.EncodeInts([]int64{1, 2, 3, 4}), graph.I32)
	b := graph.NewSource(graph.I32.EncodeInts([]int64{5, 6, 7, 8}), graph.I32)
	desc, _ := reg.Lookup("mult")
	inv, err := graph.NewInvocation(desc, []graph.Node{a, b}, nil, graph.I32)
	require.NoError(t, err)

	buf, err := orch.Realize(inv)
	require.NoError(t, err)

	values, err := graph.I32.DecodeInts(buf)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 12, 21, 32}, values)
	assert.Len(t, values, 4)
}

func TestEndToEndScalePipeline(t *testing.T) {
	reg, _, orch := testImage(t)

	a := graph.NewSource(graph.I32.EncodeInts([]int64{1, 2, 3, 4}), graph.I32)
	b := graph.NewSource(graph.I32.EncodeInts([]int64{5, 6, 7, 8}), graph.I32)
	multDesc, _ := reg.Lookup("mult")
	scaleDesc, _ := reg.Lookup("scale")

	product, err := graph.NewInvocation(multDesc, []graph.Node{a, b}, nil, graph.I32)
	require.NoError(t, err)
	scaled, err := graph.NewInvocation(scaleDesc, []graph.Node{product}, []uint32{2}, graph.I32)
	require.NoError(t, err)

	buf, err := orch.Realize(scaled)
	require.NoError(t, err)

	values, err := graph.I32.DecodeInts(buf)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 24, 42, 64}, values)
}

func TestStalledChannelTimesOut(t *testing.T) {
	reg, fabric, orch := testImage(t)
	fabric.SetStall(1, true)

	a := graph.NewSource(graph.I32.EncodeInts([]int64{1}), graph.I32)
	b := graph.NewSource(graph.I32.EncodeInts([]int64{2}), graph.I32)
	desc, _ := reg.Lookup("mult")
	inv, err := graph.NewInvocation(desc, []graph.Node{a, b}, nil, graph.I32)
	require.NoError(t, err)

	_, err = orch.Realize(inv)
	assert.ErrorIs(t, err, dma.ErrTransferTimeout)

	_, cached := inv.CachedResult()
	assert.False(t, cached)

	// Clearing the stall and retrying performs a full fresh run.
	fabric.SetStall(1, false)
	buf, err := orch.Realize(inv)
	require.NoError(t, err)
	values, err := graph.I32.DecodeInts(buf)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, values)
}

func TestUnmodeledOperatorTimesOut(t *testing.T) {
	reg, err := registry.New([]registry.OperatorDescriptor{
		{Id: "fft", InPorts: []int{3}, OutPorts: []int{3}},
	}, []registry.ChannelDescriptor{
		{Index: 0, SendPort: 0, RecvPort: 0, Name: "axi_dma_return"},
		{Index: 1, SendPort: 1, RecvPort: 1, Name: "axi_dma_1"},
	})
	require.NoError(t, err)

	fabric := NewFabric(reg)
	channels, err := dma.NewManager(reg, fabric)
	require.NoError(t, err)
	orch := runtime.NewOrchestrator(reg, xbar.NewController(fabric.SwitchBlock(), 8, nil), channels, fabric, runtime.Config{
		WaitTimeout:    10 * time.Millisecond,
		MaxResultBytes: 64,
	})

	src := graph.NewSource(graph.I32.EncodeInts([]int64{1}), graph.I32)
	desc, _ := reg.Lookup("fft")
	inv, err := graph.NewInvocation(desc, []graph.Node{src}, nil, graph.I32)
	require.NoError(t, err)

	_, err = orch.Realize(inv)
	assert.ErrorIs(t, err, dma.ErrTransferTimeout)
}
