package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stocklane/authkit/pkg/mockidp"
	"github.com/stocklane/authkit/pkg/prettylog"
)

// fileConfig is the YAML shape of the server config, extended with the
// fixtures a development setup wants preloaded.
type fileConfig struct {
	mockidp.Config `yaml:",inline"`
	SeedAccounts   []mockidp.Account `yaml:"seed_accounts"`
	TokenRateLimit int               `yaml:"token_rate_limit"`
}

func main() {
	godotenv.Load()
	if os.Getenv("PRETTY_LOGS") != "false" {
		slog.SetDefault(slog.New(prettylog.NewHandler(slog.LevelDebug)))
	}

	config := fileConfig{}
	if path := os.Getenv("MOCK_IDP_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatal(err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			log.Fatal(err)
		}
	}
	if addr := os.Getenv("SERVER_ADDR"); addr != "" {
		config.Address = addr
	}
	if config.Address == "" {
		config.Address = ":9999"
	}
	if os.Getenv("AUTO_CONFIRM") == "true" {
		config.AutoConfirm = true
	}

	opts := []mockidp.Option{}
	for _, account := range config.SeedAccounts {
		opts = append(opts, mockidp.WithSeedAccount(account))
	}
	if config.TokenRateLimit > 0 {
		opts = append(opts, mockidp.WithTokenRateLimit(config.TokenRateLimit))
	}

	server, err := mockidp.NewServer(config.Config, opts...)
	if err != nil {
		log.Fatal(err)
	}

	slog.Info("starting mock identity provider", "addr", config.Address, "auto_confirm", config.AutoConfirm)
	log.Fatal(http.ListenAndServe(config.Address, server.Echo()))
}
