// Package integration runs scene requests end to end: a queue message goes
// through the broker, the adapter and every pipeline stage, and the event
// published at the end is checked together with the DEM written to disk.
//
// Remote storage and the queue are replaced by in-process fakes, GDAL is
// real.
//
//   go test -v ./integration/...
//
package integration
