package concurrency

import (
	"log"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
)

// InitializeForKubernetes sets GOMAXPROCS to match the container CPU quota.
// This should be called at the very start of main() before any other
// initialization. Returns an undo function that restores the original value.
func InitializeForKubernetes() func() {
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set maxprocs: %v", err)
		return func() {}
	}

	log.Printf("Concurrency initialized: GOMAXPROCS=%d", runtime.GOMAXPROCS(0))

	return undo
}

// GetEffectiveCPUs returns the effective number of CPUs available,
// respecting cgroup limits in containerized environments.
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
