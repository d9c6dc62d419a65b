package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	possync "github.com/muntu/possync/internal/sync"
)

func testItem(t *testing.T, op possync.Operation) possync.QueueItem {
	t.Helper()
	env, err := possync.NewEnvelope(possync.EntityProduct, possync.ProductSnapshot{
		ID:        "p-1",
		SKU:       "SKU-1",
		Name:      "Test product",
		Price:     1200,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return possync.QueueItem{
		ID:         "item-1",
		Operation:  op,
		EntityType: possync.EntityProduct,
		EntityID:   "p-1",
		Payload:    env,
	}
}

func TestClient_LoginInstallsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "till@shop.example" {
			t.Errorf("unexpected email %q", body["email"])
		}
		json.NewEncoder(w).Encode(map[string]string{"accessToken": "tok-123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if err := c.Login(context.Background(), "till@shop.example", "secret"); err != nil {
		t.Fatal(err)
	}
	if c.Token() != "tok-123" {
		t.Errorf("expected token installed, got %q", c.Token())
	}
}

func TestClient_LoginRejectionIsAuthClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	err := c.Login(context.Background(), "till@shop.example", "wrong")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAuthError(err) {
		t.Errorf("expected auth class, got %v", err)
	}
}

func TestClient_PushMethodsAndPaths(t *testing.T) {
	tests := []struct {
		op         possync.Operation
		wantMethod string
		wantPath   string
	}{
		{possync.OperationCreate, http.MethodPost, "/products"},
		{possync.OperationUpdate, http.MethodPut, "/products/p-1"},
		{possync.OperationDelete, http.MethodDelete, "/products/p-1"},
	}

	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			var gotMethod, gotPath, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second)
			c.SetToken("tok")
			if err := c.Push(context.Background(), testItem(t, tt.op)); err != nil {
				t.Fatal(err)
			}
			if gotMethod != tt.wantMethod || gotPath != tt.wantPath {
				t.Errorf("expected %s %s, got %s %s", tt.wantMethod, tt.wantPath, gotMethod, gotPath)
			}
			if gotAuth != "Bearer tok" {
				t.Errorf("expected bearer header, got %q", gotAuth)
			}
		})
	}
}

func TestClient_PushErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Class
	}{
		{"server fault is transient", http.StatusInternalServerError, ClassTransient},
		{"validation rejection is permanent", http.StatusUnprocessableEntity, ClassPermanent},
		{"expired token is auth", http.StatusUnauthorized, ClassAuth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, time.Second)
			err := c.Push(context.Background(), testItem(t, possync.OperationCreate))
			if err == nil {
				t.Fatal("expected error")
			}
			var apiErr *APIError
			if !asAPIError(err, &apiErr) {
				t.Fatalf("expected APIError, got %T", err)
			}
			if apiErr.Class != tt.want {
				t.Errorf("expected class %s, got %s", tt.want, apiErr.Class)
			}
		})
	}
}

func TestClient_DeleteOfMissingEntitySucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if err := c.Push(context.Background(), testItem(t, possync.OperationDelete)); err != nil {
		t.Fatalf("expected delete of absent entity to succeed, got %v", err)
	}
}

func TestClient_NetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, time.Second)
	err := c.Ping(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !asAPIError(err, &apiErr) || apiErr.Class != ClassTransient {
		t.Errorf("expected transient class, got %v", err)
	}
}

func TestClient_PullSincePassesCursor(t *testing.T) {
	since := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	serverTime := since.Add(time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/customers" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("since"); got != since.Format(time.RFC3339Nano) {
			t.Errorf("unexpected since %q", got)
		}
		json.NewEncoder(w).Encode(PullResponse{
			Items: []PullItem{
				{ID: "c-1", Payload: json.RawMessage(`{"fullName":"Ada"}`), UpdatedAt: serverTime},
			},
			ServerTime: serverTime,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	resp, err := c.PullSince(context.Background(), possync.EntityCustomer, since)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 1 || resp.Items[0].ID != "c-1" {
		t.Fatalf("unexpected items %+v", resp.Items)
	}
	if !resp.ServerTime.Equal(serverTime) {
		t.Errorf("expected server time %v, got %v", serverTime, resp.ServerTime)
	}
}

func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}
