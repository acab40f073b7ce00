package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tvpipe/tvpipe/internal/config"
	"github.com/tvpipe/tvpipe/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

You can redirect this output to a file to create a configuration template:

  tvpipe config dump > config.yaml

Configuration can be set via a config file, environment variables prefixed
TVPIPE_ (underscores for nesting, e.g. TVPIPE_INGRESS_MAIN_INPUT), or
command-line flags.`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap renders a config struct as a map, formatting time.Duration fields
// with pkg/duration so the dump reads "30s" rather than a raw nanosecond
// count.
func toMap(v any) any {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if d, ok := val.Interface().(time.Duration); ok {
		return duration.Format(d)
	}

	switch val.Kind() {
	case reflect.Struct:
		result := make(map[string]any, val.NumField())
		typ := val.Type()
		for i := 0; i < val.NumField(); i++ {
			field := typ.Field(i)
			key := field.Tag.Get("mapstructure")
			if key == "" {
				key = field.Name
			}
			result[key] = toMap(val.Field(i).Interface())
		}
		return result
	case reflect.Slice, reflect.Array:
		out := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			out[i] = toMap(val.Index(i).Interface())
		}
		return out
	default:
		return val.Interface()
	}
}

func runConfigDump(_ *cobra.Command, _ []string) error {
	// Unmarshal the root viper instance (defaults from initConfig plus any
	// config file, environment and flag overrides) without Validate, so the
	// dump works before encoders and outputs have been configured.
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# tvpipe configuration")
	fmt.Println("# All values shown below are defaults unless overridden")
	fmt.Println("# by a config file, TVPIPE_* environment variables, or flags.")
	fmt.Println()
	fmt.Print(string(yamlData))
	return nil
}
