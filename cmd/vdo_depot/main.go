package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/buildbarn/vdo-depot/pkg/blockdevice"
	"github.com/buildbarn/vdo-depot/pkg/vdo/configuration"
	"github.com/buildbarn/vdo-depot/pkg/vdo/depot"
	"github.com/buildbarn/vdo-depot/pkg/vdo/metadata"
)

// A standalone harness for the slab depot: it opens the metadata
// region described by a Jsonnet configuration file, decodes the depot
// state it describes, loads every zone (recovering whatever the
// metadata device holds from a previous run), and drains cleanly on
// SIGINT/SIGTERM. It exists to exercise the depot package outside of
// a test binary; a real VDO target would embed the depot package
// directly rather than shelling out to this tool.
func main() {
	if len(os.Args) != 2 {
		log.Fatal("Usage: vdo_depot vdo_depot.jsonnet")
	}
	config, err := configuration.UnmarshalConfigurationFromFile(os.Args[1])
	if err != nil {
		log.Fatalf("Failed to read configuration from %s: %s", os.Args[1], err)
	}
	state := config.ToDepotState()

	device, _, _, err := blockdevice.NewBlockDeviceFromConfiguration(&config.Metadata)
	if err != nil {
		log.Fatal("Failed to open metadata block device: ", err)
	}
	store, err := metadata.NewStore(device, state)
	if err != nil {
		log.Fatal("Failed to lay out metadata device: ", err)
	}

	d, err := depot.Decode(state, store, uuid.NewRandom)
	if err != nil {
		log.Fatal("Failed to decode slab depot state: ", err)
	}
	log.Printf("Decoded slab depot with %d slabs across %d zones", d.SlabCount(), d.ZoneCount())

	if err := d.ApplyAdminOperation("load-recovery").Wait(); err != nil {
		log.Fatal("Failed to load slab depot: ", err)
	}
	log.Printf("Slab depot loaded with %d blocks allocated, serving until terminated", d.AllocatedBlocks())

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, syscall.SIGINT, syscall.SIGTERM)
	<-terminationSignals

	log.Print("Termination requested, draining slab depot")
	if err := d.ApplyAdminOperation("suspend").Wait(); err != nil {
		log.Fatal("Failed to drain slab depot: ", err)
	}
	if err := store.Sync(); err != nil {
		log.Fatal("Failed to sync metadata device: ", err)
	}
	log.Print("Slab depot drained, shutting down")
}
