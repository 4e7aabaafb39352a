// Package physical defines the physical block number space shared by
// every component of the slab depot.
package physical

// BlockNumber is a 64-bit index into the underlying physical device.
type BlockNumber uint64

// ZeroBlock names the all-zero data pattern. It is never allocated or
// freed, and is reserved as PBN 0.
const ZeroBlock BlockNumber = 0

// IsZeroBlock reports whether pbn names the reserved all-zero block.
func (pbn BlockNumber) IsZeroBlock() bool {
	return pbn == ZeroBlock
}
