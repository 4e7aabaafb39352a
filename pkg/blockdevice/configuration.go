package blockdevice

import (
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Configuration specifies how the metadata region backing a slab
// depot should be opened. It plays the role that a Protobuf
// configuration message plays elsewhere in this codebase; it is kept
// as a plain struct because this module carries no generated Protobuf
// messages. pkg/vdo/configuration fills it in by decoding the JSON
// that a Jsonnet configuration file evaluates to.
type Configuration struct {
	// DevicePath, when set, causes the metadata region to be backed
	// by a raw block device (e.g. "/dev/sdb").
	DevicePath string
	// File, when set, causes the metadata region to be backed by a
	// regular file.
	File *FileConfiguration
	// WriteConcurrencyLimit bounds the number of concurrent
	// WriteAt() calls issued against the resulting BlockDevice. Zero
	// means unbounded.
	WriteConcurrencyLimit int64
}

// FileConfiguration describes a file-backed metadata region.
type FileConfiguration struct {
	Path         string
	SizeBytes    int
	ZeroInitialize bool
}

// NewBlockDeviceFromConfiguration creates a BlockDevice based on
// parameters provided in a configuration file.
func NewBlockDeviceFromConfiguration(configuration *Configuration) (BlockDevice, int, int64, error) {
	if configuration == nil {
		return nil, 0, 0, status.Error(codes.InvalidArgument, "Block device configuration not specified")
	}

	var blockDevice BlockDevice
	var sectorSizeBytes int
	var sectorCount int64
	switch {
	case configuration.DevicePath != "":
		var err error
		blockDevice, sectorSizeBytes, sectorCount, err = NewBlockDeviceFromDevice(configuration.DevicePath)
		if err != nil {
			return nil, 0, 0, err
		}
	case configuration.File != nil:
		var err error
		blockDevice, sectorSizeBytes, sectorCount, err = NewBlockDeviceFromFile(configuration.File.Path, configuration.File.SizeBytes, configuration.File.ZeroInitialize)
		if err != nil {
			return nil, 0, 0, err
		}
	default:
		return nil, 0, 0, status.Error(codes.InvalidArgument, "Configuration did not contain a supported block device source")
	}

	if limit := configuration.WriteConcurrencyLimit; limit > 0 {
		blockDevice = NewWriteConcurrencyLimitingBlockDevice(
			blockDevice,
			semaphore.NewWeighted(limit),
		)
	}
	return blockDevice, sectorSizeBytes, sectorCount, nil
}
