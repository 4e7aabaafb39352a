// Package configuration loads the slab depot's construction-time
// parameters: a Jsonnet file is evaluated (with the process
// environment exposed through std.extVar()) and the resulting JSON is
// unmarshalled into a plain DepotConfiguration struct.
package configuration

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/google/go-jsonnet"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildbarn/vdo-depot/pkg/blockdevice"
	"github.com/buildbarn/vdo-depot/pkg/vdo/physical"
	"github.com/buildbarn/vdo-depot/pkg/vdo/vdoerrors"
)

// DepotConfiguration is the construction-time description of a slab
// depot: where its metadata lives and the slab_depot_state_2_0
// parameters to format it with on first use.
type DepotConfiguration struct {
	// Metadata describes the block device (or file) backing the
	// depot's slab journals, ref-counts, and summary.
	Metadata blockdevice.Configuration `json:"metadata"`
	// SlabBlocks is the total size of one slab, in physical blocks,
	// including its ref-counts and slab-journal metadata region.
	SlabBlocks uint64 `json:"slabBlocks"`
	// DataBlocks is the number of data blocks per slab.
	DataBlocks uint64 `json:"dataBlocks"`
	// RefCountBlocks is the number of blocks occupied by one
	// slab's ref-counts array on disk.
	RefCountBlocks uint64 `json:"refCountBlocks"`
	// SlabJournalBlocks is the capacity, in blocks, of one slab's
	// circular journal.
	SlabJournalBlocks uint64 `json:"slabJournalBlocks"`
	// SlabJournalFlushingThreshold is the depth, in entries, at
	// which a slab journal proactively flushes its tail block.
	SlabJournalFlushingThreshold uint64 `json:"slabJournalFlushingThreshold"`
	// SlabJournalBlockingThreshold is the depth, in entries, at
	// which further appends are parked until the tail is flushed.
	SlabJournalBlockingThreshold uint64 `json:"slabJournalBlockingThreshold"`
	// SlabJournalScrubbingThreshold is a slab journal depth, in
	// entries. It is recorded in the depot state and handed to every
	// slab journal; the choice between high- and normal-priority
	// scrubbing does not consult it, as a recovery load queues every
	// dirty slab at high priority and a normal load at normal priority.
	SlabJournalScrubbingThreshold uint64 `json:"slabJournalScrubbingThreshold"`
	// FirstBlock is the physical block number of the first slab's
	// origin.
	FirstBlock uint64 `json:"firstBlock"`
	// SlabCount is the number of slabs to format the depot with.
	SlabCount uint64 `json:"slabCount"`
	// ZoneCount is the number of physical zones (Z) the depot's
	// address space is partitioned into.
	ZoneCount uint8 `json:"zoneCount"`
}

// ToDepotState converts the loaded configuration into the
// slab_depot_state_2_0 the depot package decodes from.
func (c DepotConfiguration) ToDepotState() physical.DepotState {
	first := physical.BlockNumber(c.FirstBlock)
	return physical.DepotState{
		SlabConfig: physical.SlabConfig{
			SlabBlocks:                    c.SlabBlocks,
			DataBlocks:                    c.DataBlocks,
			RefCountBlocks:                c.RefCountBlocks,
			SlabJournalBlocks:             c.SlabJournalBlocks,
			SlabJournalFlushingThreshold:  c.SlabJournalFlushingThreshold,
			SlabJournalBlockingThreshold:  c.SlabJournalBlockingThreshold,
			SlabJournalScrubbingThreshold: c.SlabJournalScrubbingThreshold,
		},
		FirstBlock: first,
		LastBlock:  first + physical.BlockNumber(c.SlabCount*c.SlabBlocks),
		ZoneCount:  c.ZoneCount,
	}
}

// UnmarshalConfigurationFromFile reads a Jsonnet file (or stdin, for
// path "-"), evaluates it with the process environment exposed
// through std.extVar(), and unmarshals the resulting JSON into a
// DepotConfiguration.
func UnmarshalConfigurationFromFile(path string) (DepotConfiguration, error) {
	var jsonnetInput []byte
	var err error
	if path == "-" {
		jsonnetInput, err = io.ReadAll(os.Stdin)
	} else {
		jsonnetInput, err = os.ReadFile(path)
	}
	if err != nil {
		return DepotConfiguration{}, vdoerrors.IO("reading configuration file: %s", err)
	}

	vm := jsonnet.MakeVM()
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			return DepotConfiguration{}, status.Errorf(codes.InvalidArgument, "invalid environment variable: %#v", env)
		}
		vm.ExtVar(parts[0], parts[1])
	}

	jsonnetOutput, err := vm.EvaluateSnippet(path, string(jsonnetInput))
	if err != nil {
		return DepotConfiguration{}, vdoerrors.Corrupt("evaluating configuration: %s", err)
	}

	var configuration DepotConfiguration
	if err := json.Unmarshal([]byte(jsonnetOutput), &configuration); err != nil {
		return DepotConfiguration{}, vdoerrors.Corrupt("unmarshalling configuration: %s", err)
	}
	return configuration, nil
}
