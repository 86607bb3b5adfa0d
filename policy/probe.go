package policy

import (
	"log"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	constrainedMemBytes = 2 << 30
	mobileMemBytes      = 6 << 30
	mobileCPUThreshold  = 4
)

var (
	probeOnce  sync.Once
	probedTier DeviceClass
)

// DetectDeviceClass classifies the local host from its memory and CPU
// budget. Used when the caller supplies no device hint, e.g. uploads
// relayed through a kiosk or ward terminal. The probe runs once per
// process; hardware does not change under us.
func DetectDeviceClass() DeviceClass {
	probeOnce.Do(func() {
		probedTier = probeDeviceClass()
	})
	return probedTier
}

func probeDeviceClass() DeviceClass {
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Printf("policy: memory probe failed, assuming desktop: %v", err)
		return DeviceDesktop
	}

	if vm.Total < constrainedMemBytes {
		return DeviceConstrained
	}

	cpus, err := cpu.Counts(true)
	if err != nil {
		log.Printf("policy: cpu probe failed: %v", err)
		cpus = mobileCPUThreshold + 1
	}

	if vm.Total < mobileMemBytes || cpus <= mobileCPUThreshold {
		return DeviceMobile
	}
	return DeviceDesktop
}
