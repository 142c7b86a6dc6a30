package rpc

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

func noopHandler(_ context.Context, _ Session, _ json.RawMessage) (any, error) {
	return nil, nil
}

// TestRegisterDuplicate verifies that binding the same name twice fails at
// registration time.
func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register("ping", noopHandler); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	if err := reg.Register("ping", noopHandler); err == nil {
		t.Error("second Register() of same name: expected error, got nil")
	}
}

func TestRegisterInvalid(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register("", noopHandler); err == nil {
		t.Error("Register() with empty name: expected error, got nil")
	}
	if err := reg.Register("ping", nil); err == nil {
		t.Error("Register() with nil handler: expected error, got nil")
	}
}

func TestLookup(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("get_system_stats", noopHandler); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, ok := reg.Lookup("get_system_stats"); !ok {
		t.Error("Lookup() did not find registered method")
	}
	if _, ok := reg.Lookup("no_such_method"); ok {
		t.Error("Lookup() found unregistered method")
	}
}

// TestMethodsSorted verifies Methods returns a sorted name list.
func TestMethodsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"ping", "get_logs", "subscribe_alerts"} {
		if err := reg.Register(name, noopHandler); err != nil {
			t.Fatalf("Register(%q) error = %v", name, err)
		}
	}

	want := []string{"get_logs", "ping", "subscribe_alerts"}
	if got := reg.Methods(); !reflect.DeepEqual(got, want) {
		t.Errorf("Methods() = %v, want %v", got, want)
	}
}

func TestSubscriptions(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterSubscription("system_stats")
	reg.RegisterSubscription("alerts")

	want := []string{"alerts", "system_stats"}
	if got := reg.Subscriptions(); !reflect.DeepEqual(got, want) {
		t.Errorf("Subscriptions() = %v, want %v", got, want)
	}
}
