package plan

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabricflow/src/fabric/graph"
	"fabricflow/src/fabric/registry"
)

func testRegistry(t *testing.T, numInputChannels int, operators ...registry.OperatorDescriptor) *registry.Registry {
	t.Helper()
	channels := make([]registry.ChannelDescriptor, 0, numInputChannels+1)
	for i := 0; i <= numInputChannels; i++ {
		channels = append(channels, registry.ChannelDescriptor{
			Index:    i,
			SendPort: i,
			RecvPort: i,
			Name:     "axi_dma",
		})
	}
	reg, err := registry.New(operators, channels)
	require.NoError(t, err)
	return reg
}

func mustInvoke(t *testing.T, desc registry.OperatorDescriptor, operands []graph.Node, scalars []uint32) *graph.Invocation {
	t.Helper()
	inv, err := graph.NewInvocation(desc, operands, scalars, graph.I32)
	require.NoError(t, err)
	return inv
}

func TestCompileTwoSourceMult(t *testing.T) {
	mult := registry.OperatorDescriptor{Id: "mult", InPorts: []int{3, 4}, OutPorts: []int{3}}
	reg := testRegistry(t, 2, mult)

	a := graph.NewSource(graph.I32.EncodeInts([]int64{1, 2, 3, 4}), graph.I32)
	b := graph.NewSource(graph.I32.EncodeInts([]int64{5, 6, 7, 8}), graph.I32)
	inv := mustInvoke(t, mult, []graph.Node{a, b}, nil)

	p, err := NewCompiler(reg).Compile(inv)
	require.NoError(t, err)

	require.Len(t, p.Bindings, 2)
	assert.Equal(t, 1, p.Bindings[0].Channel)
	assert.Same(t, a, p.Bindings[0].Source)
	assert.Equal(t, 2, p.Bindings[1].Channel)
	assert.Same(t, b, p.Bindings[1].Source)

	assert.Equal(t, []Route{
		{InPort: 1, OutPort: 3},
		{InPort: 2, OutPort: 4},
		{InPort: 3, OutPort: 0},
	}, p.Routes)
	assert.Empty(t, p.Writes)
}

func TestCompileScalarWrites(t *testing.T) {
	scale := registry.OperatorDescriptor{Id: "scale", InPorts: []int{5}, OutPorts: []int{6}, CtrlBlock: "scale_ctrl"}
	reg := testRegistry(t, 2, scale)

	x := graph.NewSource(graph.I32.EncodeInts([]int64{9, 9}), graph.I32)
	inv := mustInvoke(t, scale, []graph.Node{x}, []uint32{5})

	p, err := NewCompiler(reg).Compile(inv)
	require.NoError(t, err)

	require.Len(t, p.Writes, 1)
	assert.Equal(t, RegisterWrite{CtrlBlock: "scale_ctrl", Offset: 0x10, Value: 5}, p.Writes[0])
}

func TestCompileScalarOffsetsAreConsecutive(t *testing.T) {
	clip := registry.OperatorDescriptor{Id: "clip", InPorts: []int{5}, OutPorts: []int{6}, CtrlBlock: "clip_ctrl"}
	reg := testRegistry(t, 1, clip)

	x := graph.NewSource(nil, graph.U8)
	inv := mustInvoke(t, clip, []graph.Node{x}, []uint32{10, 200, 7})

	p, err := NewCompiler(reg).Compile(inv)
	require.NoError(t, err)

	require.Len(t, p.Writes, 3)
	for i, write := range p.Writes {
		assert.Equal(t, uint32(0x10+4*i), write.Offset)
	}
	assert.Equal(t, uint32(200), p.Writes[1].Value)
}

func TestCompileScalarsWithoutCtrlBlock(t *testing.T) {
	bad := registry.OperatorDescriptor{Id: "bad", InPorts: []int{5}, OutPorts: []int{6}}
	reg := testRegistry(t, 1, bad)

	x := graph.NewSource(nil, graph.U8)
	inv := mustInvoke(t, bad, []graph.Node{x}, []uint32{1})

	_, err := NewCompiler(reg).Compile(inv)
	assert.ErrorIs(t, errors.Cause(err), ErrMissingControlBlock)
}

func TestCompileNestedPipeline(t *testing.T) {
	mult := registry.OperatorDescriptor{Id: "mult", InPorts: []int{4, 5}, OutPorts: []int{4}}
	scale := registry.OperatorDescriptor{Id: "scale", InPorts: []int{8}, OutPorts: []int{6}, CtrlBlock: "scale_ctrl"}
	reg := testRegistry(t, 3, mult, scale)

	a := graph.NewSource(graph.I32.EncodeInts([]int64{1, 2}), graph.I32)
	b := graph.NewSource(graph.I32.EncodeInts([]int64{3, 4}), graph.I32)
	product := mustInvoke(t, mult, []graph.Node{a, b}, nil)
	scaled := mustInvoke(t, scale, []graph.Node{product}, []uint32{2})

	p, err := NewCompiler(reg).Compile(scaled)
	require.NoError(t, err)

	// Leaves route into mult, mult output into scale, scale output into
	// the return channel's receive port.
	assert.Equal(t, []Route{
		{InPort: 1, OutPort: 4},
		{InPort: 2, OutPort: 5},
		{InPort: 4, OutPort: 8},
		{InPort: 6, OutPort: 0},
	}, p.Routes)
	assert.Equal(t, []int{1, 2}, p.InputChannels())

	// No two routes may target the same output port.
	seen := make(map[int]bool)
	for _, route := range p.Routes {
		assert.False(t, seen[route.OutPort], "output port %d routed twice", route.OutPort)
		seen[route.OutPort] = true
	}
}

func TestCompileDistinctChannelsPerLeaf(t *testing.T) {
	sum4 := registry.OperatorDescriptor{Id: "sum4", InPorts: []int{5, 6, 7, 8}, OutPorts: []int{5}}
	reg := testRegistry(t, 4, sum4)

	operands := make([]graph.Node, 4)
	for i := range operands {
		operands[i] = graph.NewSource(graph.I16.EncodeInts([]int64{int64(i)}), graph.I16)
	}
	inv := mustInvoke(t, sum4, operands, nil)

	p, err := NewCompiler(reg).Compile(inv)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3, 4}, p.InputChannels())
}

func TestCompileChannelExhaustion(t *testing.T) {
	sum3 := registry.OperatorDescriptor{Id: "sum3", InPorts: []int{5, 6, 7}, OutPorts: []int{5}}
	reg := testRegistry(t, 2, sum3)

	operands := make([]graph.Node, 3)
	for i := range operands {
		operands[i] = graph.NewSource(nil, graph.U8)
	}
	inv := mustInvoke(t, sum3, operands, nil)

	_, err := NewCompiler(reg).Compile(inv)
	assert.ErrorIs(t, errors.Cause(err), ErrChannelExhaustion)
}

// strayNode is a graph.Node that is neither a Source nor an Invocation.
type strayNode struct{}

func (strayNode) NodeId() string       { return "stray" }
func (strayNode) Type() graph.ElemType { return graph.U8 }

func TestCompileUnknownNodeKind(t *testing.T) {
	id := registry.OperatorDescriptor{Id: "id", InPorts: []int{5}, OutPorts: []int{5}}
	reg := testRegistry(t, 1, id)

	inv := mustInvoke(t, id, []graph.Node{strayNode{}}, nil)

	_, err := NewCompiler(reg).Compile(inv)
	assert.ErrorIs(t, errors.Cause(err), ErrUnknownNodeKind)
}
