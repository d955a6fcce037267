package cli

import (
	"errors"
	"log/slog"

	"github.com/ehrlich-b/logsanitizer/internal/config"
)

// LoadConfig loads the explicit file when given, otherwise the first config
// found in dirs. With nothing found it returns the defaults.
func LoadConfig(explicit string, dirs []string, log *slog.Logger) (*config.Config, error) {
	if log == nil {
		log = slog.Default()
	}
	if explicit != "" {
		cfg, err := config.LoadFile(explicit)
		if err != nil {
			return nil, err
		}
		log.Debug("loaded config", "path", explicit)
		return cfg, nil
	}

	for _, dir := range dirs {
		cfg, path, err := config.Load(dir)
		if errors.Is(err, config.ErrNoConfig) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Debug("loaded config", "path", path)
		return cfg, nil
	}

	log.Warn("no config file found, using defaults")
	return &config.Config{Source: "oc"}, nil
}
