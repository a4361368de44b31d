package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stocklane/authkit/pkg/backend"
	"github.com/stocklane/authkit/pkg/idp"
	"github.com/stocklane/authkit/pkg/sessionctl"
	"github.com/stocklane/authkit/pkg/storage"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default $STOCKLANE_CONFIG)")
}

type Config struct {
	IdentityProvider idp.Config     `yaml:"identity_provider"`
	Backend          backend.Config `yaml:"backend"`
	StatePath        string         `yaml:"state_path"`
}

func loadConfig() (*Config, error) {
	godotenv.Load()

	config := &Config{}
	path := configPath
	if path == "" {
		path = os.Getenv("STOCKLANE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if url := os.Getenv("STOCKLANE_IDP_URL"); url != "" {
		config.IdentityProvider.BaseURL = url
	}
	if url := os.Getenv("STOCKLANE_BACKEND_URL"); url != "" {
		config.Backend.BaseURL = url
	}
	if statePath := os.Getenv("STOCKLANE_STATE_PATH"); statePath != "" {
		config.StatePath = statePath
	}

	if config.IdentityProvider.BaseURL == "" {
		config.IdentityProvider.BaseURL = "http://localhost:9999"
	}
	if config.Backend.BaseURL == "" {
		config.Backend.BaseURL = "http://localhost:8090"
	}
	if config.StatePath == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving config dir: %w", err)
		}
		config.StatePath = filepath.Join(configDir, "stocklane", "auth-state.cbor")
	}
	return config, nil
}

// environment bundles the wired clients behind a single controller, the
// same composition an application embedding the library would use.
type environment struct {
	config     *Config
	idp        *idp.Client
	backend    *backend.Client
	controller *sessionctl.Controller
}

func openEnvironment(ctx context.Context) (*environment, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(config.StatePath), 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	store, err := storage.NewFileStore(config.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening state file: %w", err)
	}

	providerConfig := config.IdentityProvider
	providerConfig.Storage = store
	provider, err := idp.NewClient(providerConfig)
	if err != nil {
		return nil, fmt.Errorf("creating identity provider client: %w", err)
	}

	backendClient, err := backend.NewClient(config.Backend)
	if err != nil {
		return nil, fmt.Errorf("creating backend client: %w", err)
	}

	controller, err := sessionctl.New(provider, backendClient, store)
	if err != nil {
		return nil, fmt.Errorf("creating session controller: %w", err)
	}
	if err := controller.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting session controller: %w", err)
	}

	return &environment{
		config:     config,
		idp:        provider,
		backend:    backendClient,
		controller: controller,
	}, nil
}

func (e *environment) close() {
	e.controller.Close()
}

// awaitSettled blocks until the controller has finished reconciling the
// persisted session, or the timeout passes.
func (e *environment) awaitSettled(timeout time.Duration) sessionctl.State {
	states, unsub := e.controller.Subscribe()
	defer unsub()
	if state := e.controller.State(); !state.Loading {
		return state
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case state, ok := <-states:
			if !ok {
				return e.controller.State()
			}
			if !state.Loading {
				return state
			}
		case <-deadline.C:
			return e.controller.State()
		}
	}
}

// awaitProfile waits for the asynchronous profile fetch that follows a
// successful sign-in or validation.
func (e *environment) awaitProfile(timeout time.Duration) sessionctl.State {
	states, unsub := e.controller.Subscribe()
	defer unsub()
	if state := e.controller.State(); state.Profile != nil || !state.SignedIn() {
		return state
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case state, ok := <-states:
			if !ok {
				return e.controller.State()
			}
			if state.Profile != nil || !state.SignedIn() {
				return state
			}
		case <-deadline.C:
			return e.controller.State()
		}
	}
}
