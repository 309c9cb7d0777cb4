package network

import (
	"fmt"
	"hash/crc32"
)

// Link names are limited to 15 bytes (IFNAMSIZ-1), so they are derived from a short hash of the
// experiment tag rather than the tag itself. Concurrent testbeds use disjoint tags and therefore
// disjoint names.

func TagHash(tag string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(tag)))[:6]
}

func BridgeName(tag string, index int) string {
	return fmt.Sprintf("vb%s%02d", TagHash(tag), index)
}

func ManagementBridgeName(tag string) string {
	return "vb" + TagHash(tag) + "mg"
}

// TapName numbers NICs per instance; nic 0 is the management NIC.
func TapName(tag string, instanceIndex, nic int) string {
	return fmt.Sprintf("vt%s%02d%d", TagHash(tag), instanceIndex, nic)
}

// MAC derives a stable locally administered unicast address for one NIC.
func MAC(tag, instance string, nic int) string {
	sum := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s/%s/%d", tag, instance, nic)))
	return fmt.Sprintf("52:54:%02x:%02x:%02x:%02x", byte(sum>>24), byte(sum>>16), byte(sum>>8), byte(sum))
}
