package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds concurrency configuration for the execution engine
type Config struct {
	// MaxInstances caps the number of process instances driven
	// concurrently by a single engine.
	MaxInstances int

	// MaxParallelMembers caps how many parallel group members run at
	// once across all instances.
	MaxParallelMembers int

	// DispatchWorkers is the worker pool size for the task consumer.
	DispatchWorkers int

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if maxInstances := getEnvInt("DAEDALUS_MAX_INSTANCES", 0); maxInstances > 0 {
		config.MaxInstances = maxInstances
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxInstances = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxInstances = defaultMaxInstances(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}
	if config.MaxInstances < 1 {
		config.MaxInstances = 1
	}

	if members := getEnvInt("DAEDALUS_MAX_PARALLEL_MEMBERS", 0); members > 0 {
		config.MaxParallelMembers = members
	} else {
		config.MaxParallelMembers = config.MaxInstances * 2
	}

	if workers := getEnvInt("DAEDALUS_DISPATCH_WORKERS", 0); workers > 0 {
		config.DispatchWorkers = workers
	} else {
		config.DispatchWorkers = defaultDispatchWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultMaxInstances returns sensible defaults based on environment
func defaultMaxInstances(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes to prevent resource exhaustion
		return cpus * 2
	}
	return cpus * 4
}

// defaultDispatchWorkers returns sensible defaults for the task worker pool
func defaultDispatchWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// max returns the maximum of two integers
func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxInstances: %d, MaxParallelMembers: %d, DispatchWorkers: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxInstances,
		c.MaxParallelMembers,
		c.DispatchWorkers,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
