package config

import "fmt"

// WorkerMode picks a default shape for a Worker process, the way the teacher's
// worker modes pick concurrency and job-type filtering defaults.
type WorkerMode string

const (
	// ModeThin runs a small fiber count against every configured queue —
	// suited to a sidecar process with spare capacity to spare.
	ModeThin WorkerMode = "thin"
	// ModeDefault runs Config.Fibers fibers against every configured queue.
	ModeDefault WorkerMode = "default"
	// ModeSpecialized restricts a Worker to an explicit queue subset, for a
	// process dedicated to one workload.
	ModeSpecialized WorkerMode = "specialized"
)

// WorkerConfig chooses how many fibers and which queues a single Worker
// process owns. Distinct from Config because a deployment typically runs many
// Worker processes, each with its own WorkerConfig, against one shared Config.
type WorkerConfig struct {
	Mode   WorkerMode
	Fibers int
	Queues []string
}

// LoadWorkerConfig builds a WorkerConfig from environment variables layered on
// top of base, applying mode-specific defaults where the Worker-specific
// variables are unset.
func LoadWorkerConfig(base *Config) (*WorkerConfig, error) {
	wc := &WorkerConfig{
		Mode:   WorkerMode(getEnv("ONYX_WORKER_MODE", string(ModeDefault))),
		Fibers: getEnvAsInt("ONYX_WORKER_FIBERS", 0),
		Queues: getEnvAsStringSlice("ONYX_WORKER_QUEUES", nil),
	}

	wc.applyModeDefaults(base)

	if err := wc.Validate(); err != nil {
		return nil, err
	}
	return wc, nil
}

func (wc *WorkerConfig) applyModeDefaults(base *Config) {
	if len(wc.Queues) == 0 && wc.Mode != ModeSpecialized {
		wc.Queues = base.Queues
	}

	if wc.Fibers > 0 {
		return
	}

	switch wc.Mode {
	case ModeThin:
		wc.Fibers = 10
	case ModeSpecialized:
		wc.Fibers = base.Fibers
	default:
		wc.Fibers = base.Fibers
	}
}

// Validate checks the WorkerConfig is internally consistent.
func (wc *WorkerConfig) Validate() error {
	switch wc.Mode {
	case ModeThin, ModeDefault, ModeSpecialized:
	default:
		return fmt.Errorf("invalid worker mode: %q", wc.Mode)
	}
	if wc.Fibers < 1 {
		return fmt.Errorf("worker fibers must be at least 1, got %d", wc.Fibers)
	}
	if len(wc.Queues) == 0 {
		return fmt.Errorf("worker must watch at least one queue")
	}
	if wc.Mode == ModeSpecialized && len(wc.Queues) == 0 {
		return fmt.Errorf("specialized worker must name its queues explicitly")
	}
	return nil
}

func (wc *WorkerConfig) String() string {
	return fmt.Sprintf("WorkerConfig{mode=%s, fibers=%d, queues=%v}", wc.Mode, wc.Fibers, wc.Queues)
}
