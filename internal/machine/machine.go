// Package machine describes the host the trainer runs on.
package machine

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

const (
	// DeviceCPU is the portable float64 path. Mixed precision is never used.
	DeviceCPU = "cpu"
	// DeviceAuto uses reduced precision when the CPU converts half floats in
	// hardware.
	DeviceAuto = "auto"
)

var ErrUnknownDevice = errors.New("machine: unknown device type")

// Info is a snapshot of the host CPU.
type Info struct {
	Brand         string `json:"brand"`
	Arch          string `json:"arch"`
	PhysicalCores int    `json:"physical_cores"`
	LogicalCores  int    `json:"logical_cores"`
	// HalfPrecision reports hardware float16 conversion (F16C on x86,
	// FPHP/ASIMDHP on arm64).
	HalfPrecision bool `json:"half_precision"`
	AVX512        bool `json:"avx512"`
}

func Detect() Info {
	cpu := cpuid.CPU
	return Info{
		Brand:         cpu.BrandName,
		Arch:          runtime.GOARCH,
		PhysicalCores: cpu.PhysicalCores,
		LogicalCores:  max(cpu.LogicalCores, runtime.NumCPU()),
		HalfPrecision: cpu.Supports(cpuid.F16C) || cpu.Supports(cpuid.FPHP, cpuid.ASIMDHP),
		AVX512:        cpu.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

func (i Info) String() string {
	brand := i.Brand
	if brand == "" {
		brand = "unknown cpu"
	}
	return fmt.Sprintf("%s (%s, %d cores, %d threads)", brand, i.Arch, i.PhysicalCores, i.LogicalCores)
}

// ValidateDevice rejects device types other than DeviceCPU and DeviceAuto.
func ValidateDevice(device string) error {
	switch device {
	case DeviceCPU, DeviceAuto:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDevice, device)
	}
}

// SupportsMixedPrecision reports whether device may run the forward pass in
// half precision on this host.
func (i Info) SupportsMixedPrecision(device string) bool {
	return device == DeviceAuto && i.HalfPrecision
}
