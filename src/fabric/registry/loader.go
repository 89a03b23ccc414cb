package registry

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// capabilityFile mirrors the TOML layout of a capability snapshot.
type capabilityFile struct {
	Operators []operatorEntry `toml:"operator"`
	Channels  []channelEntry  `toml:"channel"`
}

type operatorEntry struct {
	Id        string `toml:"id"`
	InPorts   []int  `toml:"in_ports"`
	OutPorts  []int  `toml:"out_ports"`
	CtrlBlock string `toml:"ctrl_block"`
}

type channelEntry struct {
	Index    int    `toml:"index"`
	SendPort int    `toml:"send_port"`
	RecvPort int    `toml:"recv_port"`
	Name     string `toml:"name"`
}

// LoadCapabilities reads a capability snapshot from a TOML file. The file is
// produced by whatever discovers the hardware image; the core only consumes
// the finished snapshot.
func LoadCapabilities(path string) (*Registry, error) {
	var file capabilityFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to decode capability file %s", path)
	}
	return fromFile(&file)
}

// ParseCapabilities decodes a capability snapshot from TOML text.
func ParseCapabilities(data string) (*Registry, error) {
	var file capabilityFile
	if _, err := toml.Decode(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to decode capability data")
	}
	return fromFile(&file)
}

func fromFile(file *capabilityFile) (*Registry, error) {
	operators := make([]OperatorDescriptor, 0, len(file.Operators))
	for _, entry := range file.Operators {
		operators = append(operators, OperatorDescriptor{
			Id:        entry.Id,
			InPorts:   entry.InPorts,
			OutPorts:  entry.OutPorts,
			CtrlBlock: entry.CtrlBlock,
		})
	}

	channels := make([]ChannelDescriptor, 0, len(file.Channels))
	for _, entry := range file.Channels {
		if entry.Name == "" {
			return nil, errors.Errorf("channel %d has no peripheral name", entry.Index)
		}
		channels = append(channels, ChannelDescriptor{
			Index:    entry.Index,
			SendPort: entry.SendPort,
			RecvPort: entry.RecvPort,
			Name:     entry.Name,
		})
	}

	return New(operators, channels)
}
