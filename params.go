package dmremap

import (
	"context"
	"time"

	"github.com/dmremap/go-dmremap/internal/constants"
	"github.com/dmremap/go-dmremap/internal/interfaces"
)

// DeviceParams configures a Device's construction, adapted from the
// teacher's DeviceParams/DefaultParams split: required target
// identifiers plus tunables the spec leaves implementation-defined.
type DeviceParams struct {
	// MainDevicePath and SpareDevicePath identify the two backing
	// SectorDevices. Either may instead be supplied directly via
	// Options.MainDevice/Options.SpareDevice for in-memory/test use.
	MainDevicePath  string
	SpareDevicePath string

	// ErrorThreshold is the number of consecutive MediaErrors on a
	// logical sector required before a remap is installed. spec.md
	// treats a single MediaError as sufficient; this field lets a
	// deployment require more without changing the dispatcher's
	// contract.
	ErrorThreshold int

	// DrainTimeout bounds how long Postsuspend waits for in-flight bios
	// to reach zero before proceeding with a logged warning.
	DrainTimeout time.Duration

	// WriteTimeout is carried for metadata writes; Construct fills in
	// the default when it is unset. No metadata write path reads it:
	// AsyncWriter.Wait returns only when the write completes, is
	// cancelled, or its context is done.
	WriteTimeout time.Duration
}

// DefaultParams returns a DeviceParams with every tunable at its
// spec-default value, for the given device paths.
func DefaultParams(mainPath, sparePath string) DeviceParams {
	return DeviceParams{
		MainDevicePath:  mainPath,
		SpareDevicePath: sparePath,
		ErrorThreshold:  constants.DefaultRemapErrorThreshold,
		DrainTimeout:    constants.DefaultDrainTimeout,
		WriteTimeout:    constants.DefaultWriteTimeout,
	}
}

// Options carries non-serializable construction dependencies: explicit
// backing devices (bypassing MainDevicePath/SpareDevicePath), a parent
// context, a logger, and an observer. Adapted from the teacher's
// Options{Context,Logger,Observer}.
type Options struct {
	Context context.Context

	// MainDevice and SpareDevice, when set, are used directly instead
	// of opening DeviceParams.MainDevicePath/SpareDevicePath. This is
	// how tests and the in-memory demo wire up backend.Memory without
	// touching the filesystem.
	MainDevice  interfaces.SectorDevice
	SpareDevice interfaces.SectorDevice

	Logger   interfaces.Logger
	Observer interfaces.Observer
}
