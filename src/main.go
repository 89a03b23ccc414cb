package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fabricflow/src/fabric/dispatch"
	"fabricflow/src/fabric/dma"
	"fabricflow/src/fabric/graph"
	"fabricflow/src/fabric/registry"
	"fabricflow/src/fabric/runtime"
	"fabricflow/src/fabric/sim"
	"fabricflow/src/fabric/xbar"
	"fabricflow/src/misc"
)

// defaultCapabilities describes the simulated fabric image used when no
// capability file is supplied: four DMA channels and four accelerator
// blocks behind a 16-port switch.
const defaultCapabilities = `
[[channel]]
index = 0
send_port = 0
recv_port = 0
name = "axi_dma_return"

[[channel]]
index = 1
send_port = 1
recv_port = 1
name = "axi_dma_1"

[[channel]]
index = 2
send_port = 2
recv_port = 2
name = "axi_dma_2"

[[channel]]
index = 3
send_port = 3
recv_port = 3
name = "axi_dma_3"

[[operator]]
id = "mult"
in_ports = [4, 5]
out_ports = [4]

[[operator]]
id = "add"
in_ports = [6, 7]
out_ports = [5]

[[operator]]
id = "scale"
in_ports = [8]
out_ports = [6]
ctrl_block = "scale_ctrl"

[[operator]]
id = "threshold"
in_ports = [9]
out_ports = [7]
ctrl_block = "threshold_ctrl"
`

// switchPorts is the output port count of the demo image's crossbar.
const switchPorts = 16

func main() {
	root := &cobra.Command{
		Use:   "fabricflow",
		Short: "Offload stream-processing pipelines onto a reconfigurable fabric",
	}

	var configPath string
	var capabilityPath string
	root.PersistentFlags().StringVar(&configPath, "config", "", "runtime config file (TOML)")
	root.PersistentFlags().StringVar(&capabilityPath, "capabilities", "", "capability snapshot file (TOML)")

	root.AddCommand(&cobra.Command{
		Use:   "describe",
		Short: "Print the operator and channel table of the capability snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, reg, err := load(configPath, capabilityPath)
			if err != nil {
				return err
			}
			for _, id := range reg.OperatorIds() {
				desc, _ := reg.Lookup(id)
				ctrl := "-"
				if desc.HasCtrlBlock() {
					ctrl = desc.CtrlBlock
				}
				fmt.Printf("operator %-12s in=%v out=%v ctrl=%s\n", desc.Id, desc.InPorts, desc.OutPorts, ctrl)
			}
			for i := 0; i < reg.ChannelCount(); i++ {
				ch := reg.Channel(i)
				role := "input"
				if i == registry.ReturnChannelIndex {
					role = "return"
				}
				fmt.Printf("channel  %-12s index=%d send=%d recv=%d role=%s\n", ch.Name, ch.Index, ch.SendPort, ch.RecvPort, role)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Build the demo pipeline scale(mult(A, B), 2) and realize it on the simulated fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, reg, err := load(configPath, capabilityPath)
			if err != nil {
				return err
			}
			return runDemo(cfg, reg)
		},
	})

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("fabricflow failed")
		os.Exit(1)
	}
}

func load(configPath string, capabilityPath string) (misc.Config, *registry.Registry, error) {
	cfg := misc.DefaultConfig()
	if configPath != "" {
		loaded, err := misc.LoadConfig(configPath)
		if err != nil {
			return misc.Config{}, nil, err
		}
		cfg = loaded
	}
	logrus.SetLevel(cfg.Level())

	if capabilityPath == "" {
		capabilityPath = cfg.CapabilityPath
	}
	if capabilityPath != "" {
		reg, err := registry.LoadCapabilities(capabilityPath)
		return cfg, reg, err
	}
	reg, err := registry.ParseCapabilities(defaultCapabilities)
	return cfg, reg, err
}

func runDemo(cfg misc.Config, reg *registry.Registry) error {
	fabric := sim.NewFabric(reg)
	fabric.RegisterModel("mult", sim.BinaryElementwise(graph.I32, func(a, b int64) int64 { return a * b }))
	fabric.RegisterModel("add", sim.BinaryElementwise(graph.I32, func(a, b int64) int64 { return a + b }))
	fabric.RegisterModel("scale", sim.UnaryScalar(graph.I32, 1, func(v int64, s []uint32) int64 {
		return v * int64(int32(s[0]))
	}))

	channels, err := dma.NewManager(reg, fabric)
	if err != nil {
		return err
	}
	switchCtl := xbar.NewController(fabric.SwitchBlock(), switchPorts, nil)
	orch := runtime.NewOrchestrator(reg, switchCtl, channels, fabric, runtime.Config{
		WaitTimeout:    cfg.WaitTimeout(),
		MaxResultBytes: cfg.MaxResultBytes,
	})

	a := graph.NewSource(graph.I32.EncodeInts([]int64{1, 2, 3, 4}), graph.I32)
	b := graph.NewSource(graph.I32.EncodeInts([]int64{5, 6, 7, 8}), graph.I32)

	multDispatch := dispatch.Resolve("mult", reg)
	scaleDispatch := dispatch.Resolve("scale", reg)
	if multDispatch.Kind != dispatch.Hardware || scaleDispatch.Kind != dispatch.Hardware {
		return fmt.Errorf("demo operators not present in capability snapshot")
	}

	product, err := graph.NewInvocation(multDispatch.Descriptor, []graph.Node{a, b}, nil, graph.I32)
	if err != nil {
		return err
	}
	scaled, err := graph.NewInvocation(scaleDispatch.Descriptor, []graph.Node{product}, []uint32{2}, graph.I32)
	if err != nil {
		return err
	}

	result, err := orch.Realize(scaled)
	if err != nil {
		return err
	}
	values, err := graph.I32.DecodeInts(result)
	if err != nil {
		return err
	}

	transfers, bytes := channels.Totals()
	fmt.Printf("scale(mult([1 2 3 4], [5 6 7 8]), 2) = %v\n", values)
	fmt.Printf("fabric runs: %d, bytes moved: %d\n", transfers, bytes)
	return nil
}
