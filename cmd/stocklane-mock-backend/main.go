package main

import (
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stocklane/authkit/pkg/mockbackend"
	"github.com/stocklane/authkit/pkg/prettylog"
)

type fileConfig struct {
	mockbackend.Config `yaml:",inline"`
	Memberships        []mockbackend.Membership `yaml:"memberships"`
}

func main() {
	godotenv.Load()
	if os.Getenv("PRETTY_LOGS") != "false" {
		slog.SetDefault(slog.New(prettylog.NewHandler(slog.LevelDebug)))
	}

	config := fileConfig{}
	if path := os.Getenv("MOCK_BACKEND_CONFIG"); path != "" {
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
		config.Address = ":8090"
	}
	if url := os.Getenv("IDENTITY_PROVIDER_URL"); url != "" {
		config.IdentityProviderURL = url
	}
	if config.IdentityProviderURL == "" {
		config.IdentityProviderURL = "http://localhost:9999"
	}

	opts := []mockbackend.Option{}
	for _, membership := range config.Memberships {
		opts = append(opts, mockbackend.WithMembership(membership))
	}

	server, err := mockbackend.NewServer(config.Config, opts...)
	if err != nil {
		log.Fatal(err)
	}

	slog.Info("starting mock backend", "addr", config.Address, "identity_provider", config.IdentityProviderURL)
	log.Fatal(http.ListenAndServe(config.Address, server.Echo()))
}
