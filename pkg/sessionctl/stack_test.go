package sessionctl_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stocklane/authkit/pkg/authz"
	"github.com/stocklane/authkit/pkg/backend"
	"github.com/stocklane/authkit/pkg/idp"
	"github.com/stocklane/authkit/pkg/mockbackend"
	"github.com/stocklane/authkit/pkg/mockidp"
	"github.com/stocklane/authkit/pkg/sessionctl"
	"github.com/stocklane/authkit/pkg/storage"
)

type stackEnv struct {
	idpServer     *mockidp.Server
	idpHTTP       *httptest.Server
	backendServer *mockbackend.Server
	backendHTTP   *httptest.Server
	store         *storage.MemoryStore
	idp           *idp.Client
	controller    *sessionctl.Controller
	forced        chan error
}

// newStackEnv runs the controller against the real mock servers instead of
// handler stubs, covering the full wire path end to end.
func newStackEnv(t *testing.T, options ...sessionctl.Option) *stackEnv {
	t.Helper()
	idpServer, err := mockidp.NewServer(mockidp.Config{AutoConfirm: true},
		mockidp.WithSeedAccount(mockidp.Account{
			Email:     "pat@example.com",
			Password:  "correct-horse",
			FirstName: "Pat",
			LastName:  "Doe",
		}))
	if err != nil {
		t.Fatalf("failed to create identity provider: %s", err)
	}
	idpHTTP := httptest.NewServer(idpServer.Echo())
	t.Cleanup(idpHTTP.Close)

	backendServer, err := mockbackend.NewServer(mockbackend.Config{
		IdentityProviderURL: idpHTTP.URL,
	}, mockbackend.WithMembership(mockbackend.Membership{
		Email:        "pat@example.com",
		FirstName:    "Pat",
		LastName:     "Doe",
		Roles:        []string{"sales", "warehouse_manager"},
		WarehouseIDs: []string{"wh-1"},
	}))
	if err != nil {
		t.Fatalf("failed to create backend: %s", err)
	}
	backendHTTP := httptest.NewServer(backendServer.Echo())
	t.Cleanup(backendHTTP.Close)

	store := storage.NewMemoryStore()
	idpClient, err := idp.NewClient(idp.Config{BaseURL: idpHTTP.URL, Storage: store})
	if err != nil {
		t.Fatalf("failed to create identity client: %s", err)
	}
	backendClient, err := backend.NewClient(backend.Config{BaseURL: backendHTTP.URL})
	if err != nil {
		t.Fatalf("failed to create backend client: %s", err)
	}
	env := &stackEnv{
		idpServer:     idpServer,
		idpHTTP:       idpHTTP,
		backendServer: backendServer,
		backendHTTP:   backendHTTP,
		store:         store,
		idp:           idpClient,
		forced:        make(chan error, 1),
	}
	options = append([]sessionctl.Option{
		sessionctl.WithForcedSignOutHandler(func(reason error) {
			select {
			case env.forced <- reason:
			default:
			}
		}),
	}, options...)
	controller, err := sessionctl.New(idpClient, backendClient, store, options...)
	if err != nil {
		t.Fatalf("failed to create controller: %s", err)
	}
	env.controller = controller
	t.Cleanup(controller.Close)
	if err := controller.Start(context.Background()); err != nil {
		t.Fatalf("failed to start controller: %s", err)
	}
	return env
}

func TestStackSignInAndRevocation(t *testing.T) {
	env := newStackEnv(t)

	if err := env.controller.SignIn(context.Background(), "pat@example.com", "correct-horse"); err != nil {
		t.Fatalf("failed to sign in: %s", err)
	}
	if !env.controller.HasRole(authz.RoleSales) {
		t.Fatal("expected sales role from login")
	}
	waitFor(t, 3*time.Second, "business profile", func() bool {
		profile := env.controller.State().Profile
		return profile != nil && profile.FullName() == "Pat Doe"
	})
	if !env.controller.HasWarehouseAccess("wh-1") {
		t.Fatal("expected warehouse access from profile")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.idp.StartRealtime(ctx)
	accountID, _ := env.idpServer.Directory().IDByEmail("pat@example.com")
	waitFor(t, 3*time.Second, "realtime connection", func() bool {
		return env.idpServer.ConnectedClients(accountID) > 0
	})

	body, _ := json.Marshal(map[string]string{"email": "pat@example.com"})
	resp, err := http.Post(env.idpHTTP.URL+"/admin/revoke", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to revoke: %s", err)
	}
	resp.Body.Close()

	waitFor(t, 3*time.Second, "revocation to clear the session", func() bool {
		state := env.controller.State()
		return !state.SignedIn() && !state.Loading
	})
	if env.idp.CurrentSession() != nil {
		t.Fatal("expected the provider session cleared after revocation")
	}
}

func TestStackSuspensionForcesSignOut(t *testing.T) {
	env := newStackEnv(t, sessionctl.WithSyncWindow(50*time.Millisecond))

	if err := env.controller.SignIn(context.Background(), "pat@example.com", "correct-horse"); err != nil {
		t.Fatalf("failed to sign in: %s", err)
	}
	env.backendServer.Memberships().SetSuspended("pat@example.com", true)

	time.Sleep(100 * time.Millisecond)
	if err := env.controller.Revalidate(context.Background()); err != nil {
		t.Fatalf("revalidate failed: %s", err)
	}

	select {
	case reason := <-env.forced:
		if !backend.IsRejected(reason) {
			t.Fatalf("forced sign-out reason = %v, want a rejection", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("forced sign-out handler never invoked")
	}
	waitFor(t, 3*time.Second, "state cleared", func() bool {
		return !env.controller.State().SignedIn()
	})
	if env.idp.CurrentSession() != nil {
		t.Fatal("expected the provider session terminated")
	}
}
