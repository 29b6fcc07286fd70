package configuration

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/bartossh/Relayer/chain"
	"github.com/bartossh/Relayer/journal"
	"github.com/bartossh/Relayer/natsclient"
	"github.com/bartossh/Relayer/ratelimit"
	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/server"
	"github.com/bartossh/Relayer/status"
	"github.com/bartossh/Relayer/telemetry"
	"github.com/bartossh/Relayer/wallet"
)

var ErrEnvParse = errors.New("environment parse failed")

// Configuration is the main configuration of the application that corresponds to the *.yaml file
// that holds the configuration. Secrets are read from the environment.
type Configuration struct {
	Server    server.Config         `yaml:"server"`
	Relay     relay.Config          `yaml:"relay"`
	Key       wallet.Config         `yaml:"key"`
	Chains    chain.Config          `yaml:"chains"`
	Status    status.Config         `yaml:"status"`
	NATS      natsclient.Config     `yaml:"nats"`
	Redis     ratelimit.RedisConfig `yaml:"redis"`
	RateLimit ratelimit.Config      `yaml:"rate_limit"`
	Journal   journal.Config        `yaml:"journal"`
	Telemetry telemetry.Config      `yaml:"telemetry"`
}

// LoadEnv loads the .env files into the process environment, missing files are ignored.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("in file %q: %w", p, err)
		}
	}
	return nil
}

// Read reads the configuration from the file and returns the Configuration with set fields according to the yaml setup.
// Environment variables override the secrets.
func Read(path string) (Configuration, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, err
	}

	var main Configuration
	err = yaml.Unmarshal(buf, &main)
	if err != nil {
		return Configuration{}, fmt.Errorf("in file %q: %w", path, err)
	}

	if err := env.Parse(&main); err != nil {
		return Configuration{}, errors.Join(ErrEnvParse, err)
	}

	return main, nil
}
