package dmremap

import "time"

// InstallRemapForTest inserts a remap entry directly into the device's
// index, bypassing the allocator and the metadata engine. It exists so
// tests can set up a remap table without first driving a real bad-sector
// read through Map, including spare sectors the allocator would never
// hand out (e.g. the reserved metadata sectors in constants.MetaSectors).
// Production code never calls this.
func (d *Device) InstallRemapForTest(logical, spare uint64) {
	d.index.Insert(logical, spare, uint64(time.Now().Unix()))
}

// RemapCountForTest returns the number of entries currently in the remap
// index, for tests asserting on resize behavior without reaching into
// internal/remap directly.
func (d *Device) RemapCountForTest() int {
	return d.index.Len()
}

// BucketCountForTest returns the remap index's current bucket array
// length, for tests asserting a resize happened at the expected
// load-factor threshold.
func (d *Device) BucketCountForTest() int {
	return d.index.BucketCount()
}
