package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. FROYO_FORKS.
	EnvPrefix = "FROYO"

	// HomeEnv overrides the home directory.
	HomeEnv = "FROYO_HOME"

	// ConfigFileName is looked up in the home directory.
	ConfigFileName = "config.yaml"

	// LocalConfigFileName is looked up in the working directory.
	LocalConfigFileName = "froyo.yaml"
)

// LoadOptions controls Load.
type LoadOptions struct {
	// Home overrides FROYO_HOME.
	Home string

	// ConfigFile is read instead of the default locations. It must exist.
	ConfigFile string

	// Flags are bound by name: a changed --private-key-file flag overrides
	// the private_key_file key. Flags that name no key are ignored.
	Flags *pflag.FlagSet
}

// Keys lists every configuration key.
func Keys() []string {
	t := reflect.TypeOf(Settings{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" || key == "-" || key == "home" {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// HomeDir returns the froyoctl home: override, then FROYO_HOME, then
// ~/.froyo.
func HomeDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if home := os.Getenv(HomeEnv); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(userHome, ".froyo"), nil
}

// Load layers flags over environment over config file over defaults,
// validates the result and returns it.
func Load(opts LoadOptions) (*Settings, error) {
	home, err := HomeDir(opts.Home)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v, Defaults(home))

	path, err := findConfigFile(home, opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := readConfigFile(v, path); err != nil {
			return nil, err
		}
	}

	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	s.Home = home
	s.ConfigFile = path

	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks settings against their struct tags.
func Validate(s *Settings) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// setDefaults registers every key of d as a viper default so environment
// lookups and Unmarshal see all keys.
func setDefaults(v *viper.Viper, d *Settings) {
	rv := reflect.ValueOf(*d)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		v.SetDefault(key, rv.Field(i).Interface())
	}
}

func findConfigFile(home, explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, candidate := range []string{filepath.Join(home, ConfigFileName), LocalConfigFileName} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

// readConfigFile checks the file against the settings schema before
// handing it to viper, so typos in key names are reported.
func readConfigFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if doc == nil {
		return nil
	}
	if err := schemas.ValidateAgainstSchema("Settings", doc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

var schemas = NewSchemaRegistry()

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	known := make(map[string]bool)
	for _, key := range Keys() {
		known[key] = true
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !known[key] || bindErr != nil {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}
