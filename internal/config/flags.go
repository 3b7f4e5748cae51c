package config

import "flag"

var (
	flagConfig    = flag.String("config", "", "Path to config file")
	flagDebug     = flag.Bool("debug", false, "Enable debug logging")
	flagAsset     = flag.String("asset", "", "Asset to load (pack, .blad or .json)")
	flagSeed      = flag.Int64("seed", 0, "Random seed for generated shots")
	flagSteps     = flag.Int("steps", 0, "Number of simulation steps")
	flagWorkers   = flag.Int("workers", -1, "Worker count (0 = one per CPU)")
	flagJournal   = flag.String("journal", "", "Record fractures to this database")
	flagTelemetry = flag.String("telemetry", "", "Write timing CSVs to this directory")
	flagNoAccel   = flag.Bool("no-accel", false, "Disable the spatial accelerator")
	flagStress    = flag.Bool("stress", false, "Break bonds overloaded by gravity and impacts")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagAsset != "" {
		cfg.Sim.AssetPath = *flagAsset
	}
	if *flagSeed != 0 {
		cfg.Sim.Seed = *flagSeed
	}
	if *flagSteps > 0 {
		cfg.Sim.Steps = *flagSteps
	}
	if *flagWorkers >= 0 {
		cfg.Solver.Workers = *flagWorkers
	}
	if *flagJournal != "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = *flagJournal
	}
	if *flagTelemetry != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Dir = *flagTelemetry
	}
	if *flagNoAccel {
		cfg.Solver.Accelerator = false
	}
	if *flagStress {
		cfg.Stress.Enabled = true
	}
}
