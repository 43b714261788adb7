package cmdutil

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/rfratto/fine"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// MountConfig holds the settings of a mount which can be read from a config
// file. Every field can also be set from the environment with the FINEFS_
// prefix, such as FINEFS_KERNEL_MAX_WRITE=1MiB.
type MountConfig struct {
	FSName             string `mapstructure:"fs_name" yaml:"fs_name" validate:"required"`
	Subtype            string `mapstructure:"subtype" yaml:"subtype,omitempty"`
	AllowOther         bool   `mapstructure:"allow_other" yaml:"allow_other"`
	DefaultPermissions bool   `mapstructure:"default_permissions" yaml:"default_permissions"`
	ReadOnly           bool   `mapstructure:"read_only" yaml:"read_only"`

	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Kernel KernelConfig `mapstructure:"kernel" yaml:"kernel"`
}

// ServerConfig configures the request loop.
type ServerConfig struct {
	Concurrency    int           `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gte=0"`
	LogRequests    bool          `mapstructure:"log_requests" yaml:"log_requests"`
}

// KernelConfig holds preferences requested from the kernel during the
// handshake. Zero values leave the negotiated defaults alone.
type KernelConfig struct {
	// Capabilities are init flag names as used by the kernel headers, such
	// as async_read or writeback_cache.
	Capabilities        []string      `mapstructure:"capabilities" yaml:"capabilities,omitempty" validate:"dive,initflag"`
	MaxWrite            ByteSize      `mapstructure:"max_write" yaml:"max_write,omitempty" validate:"lte=16777216"`
	MaxReadahead        ByteSize      `mapstructure:"max_readahead" yaml:"max_readahead,omitempty" validate:"lte=4294967295"`
	MaxBackground       uint16        `mapstructure:"max_background" yaml:"max_background,omitempty"`
	CongestionThreshold uint16        `mapstructure:"congestion_threshold" yaml:"congestion_threshold,omitempty"`
	TimeGranularity     time.Duration `mapstructure:"time_granularity" yaml:"time_granularity,omitempty" validate:"gte=0,lte=1s"`
}

// DefaultMountConfig holds default settings for MountConfig.
var DefaultMountConfig = MountConfig{
	FSName:             "fine",
	DefaultPermissions: true,
	Server: ServerConfig{
		RequestTimeout: 15 * time.Second,
	},
}

// ByteSize is a size in bytes. In config files it may be written either as a
// number or in human-readable form, like 128KiB.
type ByteSize uint64

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(b)), nil
}

var byteSizeType = reflect.TypeOf(ByteSize(0))

func stringToByteSizeHook(_ reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != byteSizeType {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// LoadMountConfig loads a MountConfig from the YAML file at path, layered
// over DefaultMountConfig and overridden by the environment. If path is
// empty, only the defaults and the environment are used. The returned config
// has been validated.
func LoadMountConfig(path string) (*MountConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("FINEFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, "", DefaultMountConfig)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg MountConfig
	if err := decodeSettings(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every field of the struct in val as a default of v,
// so that AllSettings reports environment overrides for keys missing from
// the config file.
func setDefaults(v *viper.Viper, prefix string, val interface{}) {
	rv := reflect.ValueOf(val)
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		field := rv.Field(i)
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			setDefaults(v, key, field.Interface())
			continue
		}
		v.SetDefault(key, field.Interface())
	}
}

func decodeSettings(settings map[string]interface{}, out *MountConfig) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToByteSizeHook,
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(settings)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("initflag", func(fl validator.FieldLevel) bool {
		_, err := fine.ParseInitFlags([]string{fl.Field().String()})
		return err == nil
	})
	return v
}

// Validate checks c for invalid settings. All problems are reported.
func (c *MountConfig) Validate() error {
	var errs *multierror.Error

	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				errs = multierror.Append(errs, fmt.Errorf("%s: failed %q validation (value: %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			errs = multierror.Append(errs, err)
		}
	}

	k := c.Kernel
	if k.CongestionThreshold > 0 && k.MaxBackground > 0 && k.CongestionThreshold > k.MaxBackground {
		errs = multierror.Append(errs, fmt.Errorf("kernel.congestion_threshold %d is higher than kernel.max_background %d", k.CongestionThreshold, k.MaxBackground))
	}
	return errs.ErrorOrNil()
}

// WriteYAML writes c to w as YAML.
func (c *MountConfig) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Apply requests the preferences in k from cfg. Preferences which can't be
// honored are reported in the returned error, while the others still apply.
func (k KernelConfig) Apply(cfg *fine.KernelConfig) error {
	var errs *multierror.Error

	if len(k.Capabilities) > 0 {
		flags, err := fine.ParseInitFlags(k.Capabilities)
		if err == nil {
			err = cfg.AddCapabilities(flags)
		}
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("capabilities: %w", err))
		}
	}
	if k.MaxWrite > 0 {
		if _, err := cfg.SetMaxWrite(uint32(k.MaxWrite)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if k.MaxReadahead > 0 {
		if _, err := cfg.SetMaxReadahead(uint32(k.MaxReadahead)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if k.MaxBackground > 0 {
		if _, err := cfg.SetMaxBackground(k.MaxBackground); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if k.CongestionThreshold > 0 {
		if _, err := cfg.SetCongestionThreshold(k.CongestionThreshold); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if k.TimeGranularity > 0 {
		if _, err := cfg.SetTimeGranularity(k.TimeGranularity); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
