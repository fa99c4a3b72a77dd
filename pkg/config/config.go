// Package config provides configuration loading and management for neurosource.
// It handles loading configuration from YAML files, environment overrides and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"neurosource/pkg/logging"
)

// EnvPrefix prefixes every environment override, e.g. NEUROSOURCE_INVERSE_SNR
const EnvPrefix = "NEUROSOURCE"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores bounds every worker pool
		NumCores int `yaml:"numCores"`

		// BlockSize is the number of sources computed per forward block
		BlockSize int `yaml:"blockSize"`
	} `yaml:"processing"`

	// Boundary-element parameters
	BEM struct {
		// IcoLevel is the subdivision level used for synthetic sphere models
		IcoLevel int `yaml:"icoLevel"`

		// Radii of synthetic sphere models, inner to outer, in meters
		Radii []float64 `yaml:"radii"`

		// Conductivities matching Radii, in S/m
		Conductivities []float64 `yaml:"conductivities"`

		// IPLimit enables the isolated-problem correction when skull/brain
		// conductivity falls at or below it
		IPLimit float64 `yaml:"ipLimit"`

		// MaxCondition rejects system matrices with a larger condition number
		MaxCondition float64 `yaml:"maxCondition"`
	} `yaml:"bem"`

	// Forward parameters
	Forward struct {
		// MinDistance excludes sources closer than this to the inner boundary (m)
		MinDistance float64 `yaml:"minDistance"`

		// GridSpacing is the spacing of volume source grids (m)
		GridSpacing float64 `yaml:"gridSpacing"`
	} `yaml:"forward"`

	// Noise covariance parameters
	Covariance struct {
		// Method is empirical, shrunk or crossval
		Method string `yaml:"method"`

		// Shrinkage is the blend factor for the shrunk estimator
		Shrinkage float64 `yaml:"shrinkage"`

		// Target is identity or diagonal
		Target string `yaml:"target"`

		// Grid lists candidate shrinkage values for cross-validation
		Grid []float64 `yaml:"grid"`

		// Folds is the number of cross-validation folds
		Folds int `yaml:"folds"`

		// EigenFloor drops eigenvalues below EigenFloor * max when whitening
		EigenFloor float64 `yaml:"eigenFloor"`

		// TypeWeighting is joint or pertype for mixed MEG/EEG whitening
		TypeWeighting string `yaml:"typeWeighting"`
	} `yaml:"covariance"`

	// Inverse operator parameters
	Inverse struct {
		Method  string  `yaml:"method"`
		SNR     float64 `yaml:"snr"`
		Depth   float64 `yaml:"depth"`
		Loose   float64 `yaml:"loose"`
		Tol     float64 `yaml:"tol"`
		MaxIter int     `yaml:"maxIter"`
		Strict  bool    `yaml:"strict"`
	} `yaml:"inverse"`

	// Beamformer parameters
	Beamformer struct {
		Reg          float64 `yaml:"reg"`
		PickOri      string  `yaml:"pickOri"`
		WeightNorm   string  `yaml:"weightNorm"`
		MaxCondition float64 `yaml:"maxCondition"`

		// FMin and FMax bound the DICS frequency band (Hz)
		FMin float64 `yaml:"fmin"`
		FMax float64 `yaml:"fmax"`
	} `yaml:"beamformer"`

	// Sensor arrays of the validation scenario
	Sensors struct {
		MEG int `yaml:"meg"`
		EEG int `yaml:"eeg"`

		// HelmetRadius places the MEG coils (m); electrodes sit on the scalp
		HelmetRadius float64 `yaml:"helmetRadius"`
	} `yaml:"sensors"`

	// Simulation of the test dipole
	Simulation struct {
		// Position of the test dipole (m) and its moment direction
		Position    []float64 `yaml:"position"`
		Orientation []float64 `yaml:"orientation"`

		// Amplitude of the sinusoidal moment (A·m) at Frequency (Hz)
		Amplitude float64 `yaml:"amplitude"`
		Frequency float64 `yaml:"frequency"`

		Trials  int     `yaml:"trials"`
		Samples int     `yaml:"samples"`
		SFreq   float64 `yaml:"sfreq"`

		// Sensor noise standard deviations (T and V)
		NoiseMEG float64 `yaml:"noiseMEG"`
		NoiseEEG float64 `yaml:"noiseEEG"`

		Seed int64 `yaml:"seed"`
	} `yaml:"simulation"`

	// Cache of BEM solutions
	Cache struct {
		// Backend is memory or redis
		Backend   string `yaml:"backend"`
		RedisAddr string `yaml:"redisAddr"`
		Prefix    string `yaml:"prefix"`
		TTLHours  int    `yaml:"ttlHours"`
	} `yaml:"cache"`

	// Checkpoints of partial forward builds
	Checkpoint struct {
		// Backend is none, file or minio
		Backend   string `yaml:"backend"`
		Dir       string `yaml:"dir"`
		Endpoint  string `yaml:"endpoint"`
		Bucket    string `yaml:"bucket"`
		AccessKey string `yaml:"accessKey"`
		SecretKey string `yaml:"secretKey"`
		UseSSL    bool   `yaml:"useSSL"`
	} `yaml:"checkpoint"`

	// Log configures the structured logger
	Log logging.Config `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.BlockSize = 64

	// Standard three-shell head: brain, skull, scalp
	cfg.BEM.IcoLevel = 3
	cfg.BEM.Radii = []float64{0.08, 0.085, 0.09}
	cfg.BEM.Conductivities = []float64{0.3, 0.006, 0.3}
	cfg.BEM.IPLimit = 0.1
	cfg.BEM.MaxCondition = 1e12

	cfg.Forward.MinDistance = 0.005
	cfg.Forward.GridSpacing = 0.01

	cfg.Covariance.Method = "shrunk"
	cfg.Covariance.Shrinkage = 0.1
	cfg.Covariance.Target = "identity"
	cfg.Covariance.Grid = []float64{0.0, 0.01, 0.05, 0.1, 0.2, 0.5, 0.9}
	cfg.Covariance.Folds = 3
	cfg.Covariance.EigenFloor = 1e-10
	cfg.Covariance.TypeWeighting = "pertype"

	cfg.Inverse.Method = "dSPM"
	cfg.Inverse.SNR = 3.0
	cfg.Inverse.Depth = 0.8
	cfg.Inverse.Loose = 1
	cfg.Inverse.Tol = 1e-6
	cfg.Inverse.MaxIter = 20

	cfg.Beamformer.Reg = 0.05
	cfg.Beamformer.PickOri = "maxpower"
	cfg.Beamformer.WeightNorm = "unitgain"
	cfg.Beamformer.MaxCondition = 1e10
	cfg.Beamformer.FMin = 8
	cfg.Beamformer.FMax = 12

	cfg.Sensors.MEG = 64
	cfg.Sensors.EEG = 32
	cfg.Sensors.HelmetRadius = 0.12

	// benchmark dipole 5 cm from the center, tangential
	cfg.Simulation.Position = []float64{0, 0, 0.05}
	cfg.Simulation.Orientation = []float64{1, 0, 0}
	cfg.Simulation.Amplitude = 50e-9
	cfg.Simulation.Frequency = 10
	cfg.Simulation.Trials = 40
	cfg.Simulation.Samples = 200
	cfg.Simulation.SFreq = 200
	cfg.Simulation.NoiseMEG = 20e-15
	cfg.Simulation.NoiseEEG = 0.5e-6
	cfg.Simulation.Seed = 1

	cfg.Cache.Backend = "memory"
	cfg.Cache.Prefix = "neurosource:"
	cfg.Cache.TTLHours = 24 * 7

	cfg.Checkpoint.Backend = "none"
	cfg.Checkpoint.Dir = "checkpoints"
	cfg.Checkpoint.Bucket = "neurosource-checkpoints"

	cfg.Log.Level = "info"
	cfg.Log.Format = "console"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, cfg.Validate()
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// ApplyEnv overlays NEUROSOURCE_<SECTION>_<FIELD> environment variables on cfg.
// Only scalar fields are overridable; lists stay as loaded.
func ApplyEnv(cfg *Config) error {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *float64) {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}
	integer := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	boolean := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	integer("processing.numcores", &cfg.Processing.NumCores)
	integer("processing.blocksize", &cfg.Processing.BlockSize)
	integer("bem.icolevel", &cfg.BEM.IcoLevel)
	num("bem.iplimit", &cfg.BEM.IPLimit)
	num("forward.mindistance", &cfg.Forward.MinDistance)
	str("covariance.method", &cfg.Covariance.Method)
	num("covariance.shrinkage", &cfg.Covariance.Shrinkage)
	str("covariance.typeweighting", &cfg.Covariance.TypeWeighting)
	str("inverse.method", &cfg.Inverse.Method)
	num("inverse.snr", &cfg.Inverse.SNR)
	num("inverse.depth", &cfg.Inverse.Depth)
	num("inverse.loose", &cfg.Inverse.Loose)
	boolean("inverse.strict", &cfg.Inverse.Strict)
	num("beamformer.reg", &cfg.Beamformer.Reg)
	str("beamformer.pickori", &cfg.Beamformer.PickOri)
	str("beamformer.weightnorm", &cfg.Beamformer.WeightNorm)
	num("beamformer.fmin", &cfg.Beamformer.FMin)
	num("beamformer.fmax", &cfg.Beamformer.FMax)
	integer("sensors.meg", &cfg.Sensors.MEG)
	integer("sensors.eeg", &cfg.Sensors.EEG)
	integer("simulation.trials", &cfg.Simulation.Trials)
	num("simulation.amplitude", &cfg.Simulation.Amplitude)
	str("cache.backend", &cfg.Cache.Backend)
	str("cache.redisaddr", &cfg.Cache.RedisAddr)
	str("checkpoint.backend", &cfg.Checkpoint.Backend)
	str("checkpoint.dir", &cfg.Checkpoint.Dir)
	str("checkpoint.endpoint", &cfg.Checkpoint.Endpoint)
	str("checkpoint.accesskey", &cfg.Checkpoint.AccessKey)
	str("checkpoint.secretkey", &cfg.Checkpoint.SecretKey)
	str("log.level", &cfg.Log.Level)
	str("log.format", &cfg.Log.Format)

	return cfg.Validate()
}

// Validate checks cross-field consistency
func (c *Config) Validate() error {
	if c.Processing.NumCores < 1 {
		c.Processing.NumCores = 1
	}
	if c.Processing.BlockSize < 1 {
		return fmt.Errorf("config: processing.blockSize must be positive, got %d", c.Processing.BlockSize)
	}
	if len(c.BEM.Radii) != len(c.BEM.Conductivities) {
		return fmt.Errorf("config: bem.radii has %d entries but bem.conductivities has %d",
			len(c.BEM.Radii), len(c.BEM.Conductivities))
	}
	for i := 1; i < len(c.BEM.Radii); i++ {
		if c.BEM.Radii[i] <= c.BEM.Radii[i-1] {
			return fmt.Errorf("config: bem.radii must increase, got %v", c.BEM.Radii)
		}
	}
	if c.Inverse.SNR <= 0 {
		return fmt.Errorf("config: inverse.snr must be positive, got %g", c.Inverse.SNR)
	}
	if c.Beamformer.FMin < 0 || c.Beamformer.FMax <= c.Beamformer.FMin {
		return fmt.Errorf("config: beamformer band [%g, %g] is empty", c.Beamformer.FMin, c.Beamformer.FMax)
	}
	if c.Sensors.MEG < 0 || c.Sensors.EEG < 0 || c.Sensors.MEG+c.Sensors.EEG == 0 {
		return fmt.Errorf("config: the scenario needs at least one channel, got %d MEG and %d EEG",
			c.Sensors.MEG, c.Sensors.EEG)
	}
	if len(c.Simulation.Position) != 3 || len(c.Simulation.Orientation) != 3 {
		return fmt.Errorf("config: simulation position and orientation need three components")
	}
	if c.Simulation.SFreq <= 0 || c.Simulation.Samples < 2 {
		return fmt.Errorf("config: simulation needs a positive sfreq and at least two samples")
	}
	if c.Covariance.Shrinkage < 0 || c.Covariance.Shrinkage > 1 {
		return fmt.Errorf("config: covariance.shrinkage must lie in [0, 1], got %g", c.Covariance.Shrinkage)
	}
	return nil
}
