package config

import (
	"os"
	"path/filepath"

	"codeberg.org/mutker/lassoctl/internal/errors"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	configFilePerm = 0o600
	configDirPerm  = 0o755
)

// DefaultUserPath is where Save writes when no config file was loaded.
func DefaultUserPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.New().Wrap(ErrWriteConfig, err)
	}

	return filepath.Join(home, ".config", configName, configName+".toml"), nil
}

// Save persists the configuration back to the file it was loaded from,
// falling back to the user config path.
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		var err error
		if path, err = DefaultUserPath(); err != nil {
			return err
		}
	}

	return c.SaveTo(path)
}

// SaveTo writes the configuration atomically: marshal to a temp file in
// the target directory, then rename over the destination. A crash
// mid-write never leaves a truncated config behind.
func (c *Config) SaveTo(path string) error {
	errFactory := errors.New()

	data, err := toml.Marshal(c)
	if err != nil {
		return errFactory.Wrap(ErrWriteConfig, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPerm); err != nil {
		return errFactory.Wrap(ErrWriteConfig, err)
	}

	tmp, err := os.CreateTemp(dir, configName+"-*.toml.tmp")
	if err != nil {
		return errFactory.Wrap(ErrWriteConfig, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return errFactory.Wrap(ErrWriteConfig, err)
	}
	if err := tmp.Chmod(configFilePerm); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return errFactory.Wrap(ErrWriteConfig, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return errFactory.Wrap(ErrWriteConfig, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)

		return errFactory.Wrap(ErrWriteConfig, err)
	}

	c.path = path

	return nil
}
