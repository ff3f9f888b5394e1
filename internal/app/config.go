package app

// Config carries the command-line level settings for the application.
type Config struct {
	// ConfigPath is the path to config.yaml. Empty uses the defaults.
	ConfigPath string

	// Debug forces debug logging regardless of the configured level.
	Debug bool
}

// NewConfig creates an application configuration from CLI flags.
func NewConfig(configPath string, debug bool) *Config {
	return &Config{
		ConfigPath: configPath,
		Debug:      debug,
	}
}
