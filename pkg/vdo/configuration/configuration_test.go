package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeJsonnet(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "depot.jsonnet")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestUnmarshalConfigurationFromFile(t *testing.T) {
	path := writeJsonnet(t, `{
		metadata: { file: { path: "/tmp/depot.meta", sizeBytes: 4096 } },
		slabBlocks: 1024,
		dataBlocks: 1000,
		refCountBlocks: 4,
		slabJournalBlocks: 16,
		slabJournalFlushingThreshold: 8,
		slabJournalBlockingThreshold: 12,
		slabJournalScrubbingThreshold: 10,
		firstBlock: 0,
		slabCount: 4,
		zoneCount: 2,
	}`)

	config, err := UnmarshalConfigurationFromFile(path)
	require.NoError(t, err)
	require.EqualValues(t, 1024, config.SlabBlocks)
	require.EqualValues(t, 2, config.ZoneCount)
	require.Equal(t, "/tmp/depot.meta", config.Metadata.File.Path)
}

func TestUnmarshalConfigurationFromFileRejectsMissingFile(t *testing.T) {
	_, err := UnmarshalConfigurationFromFile(filepath.Join(t.TempDir(), "missing.jsonnet"))
	require.Error(t, err)
}

func TestUnmarshalConfigurationFromFileRejectsInvalidJsonnet(t *testing.T) {
	path := writeJsonnet(t, `{ this is not valid jsonnet`)
	_, err := UnmarshalConfigurationFromFile(path)
	require.Error(t, err)
}

func TestToDepotStateComputesRange(t *testing.T) {
	config := DepotConfiguration{
		SlabBlocks: 1024,
		DataBlocks: 1000,
		FirstBlock: 512,
		SlabCount:  4,
		ZoneCount:  3,
	}
	state := config.ToDepotState()
	require.EqualValues(t, 512, state.FirstBlock)
	require.EqualValues(t, 512+1024*4, state.LastBlock)
	require.EqualValues(t, 3, state.ZoneCount)
	require.EqualValues(t, 4, state.SlabCount())
}
