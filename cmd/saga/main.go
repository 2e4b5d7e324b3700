package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/sagalog/saga/cmd/saga/app"
	util_log "github.com/sagalog/saga/pkg/util/log"
)

const appName = "saga"

func main() {
	printVersion := flag.Bool("version", false, "Print this build's version information")

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	logger := util_log.InitLogger(config.Server.LogFormat, config.Server.LogLevel)

	a, err := app.New(*config, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to create app", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "starting "+appName, "version", version.Version)

	if err := a.Run(); err != nil {
		level.Error(logger).Log("msg", appName+" exited with error", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", appName+" exited cleanly")
}

func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-" + configFileOption, "--" + configFileOption:
			i++
			if i < len(args) {
				configFile = args[i]
			}
		case "-" + configExpandEnvOption, "--" + configExpandEnvOption:
			configExpandEnv = true
		}
	}

	config := &app.Config{}
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay the config file on top of the defaults
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars in config file %q: %w", configFile, err)
			}
			buff = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", configFile, err)
		}
	}

	// overlay cli flags on top of the config file
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Expand ${VAR} in the config file from the environment")
	flag.Parse()

	return config, nil
}
