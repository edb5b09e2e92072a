package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/trafficjam/simengine/internal/log"
	"github.com/trafficjam/simengine/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/simengine on given OS
	configPath     string // config file used, empty when running on defaults
	config         model.Config

	flagConfigFilePath string // --config
	flagVerbose        bool   // --verbose
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "simengine")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is simengine.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// errors are logged below
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initSimengine

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("simengine failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "simengine",
	Short:        "Runs traffic simulations and streams their events",
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration as yaml",
	RunE: func(cmd *cobra.Command, _ []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return enc.Close()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a simengine",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("simengine: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		fmt.Printf("simengine: %s\n", info.Main.Version)
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initSimengine(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SIMENGINE_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "simengine.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	var err error
	config, err = model.Load(viper.New(), configPath)
	if err != nil {
		for _, d := range model.ErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Log.Level = "debug"
	}
	level, err := log.ParseLevel(config.Log.Level)
	if err != nil {
		return err
	}
	slog.SetDefault(log.New(os.Stderr, level, config.Log.Format))

	slog.Debug("simengine run", "configPath", configPath)
	slog.Debug("simengine run", "config", config)
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
