package registry

import (
	"fmt"
	"testing"
)

func TestBaseRegistryRegisterAndGet(t *testing.T) {
	reg := NewBaseRegistry[*ProviderManifest]()

	if err := reg.Register("openai", &ProviderManifest{ID: "openai", Compat: "openai"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register("", &ProviderManifest{}); err == nil {
		t.Error("empty name must be rejected")
	}
	if err := reg.Register("openai", &ProviderManifest{ID: "openai"}); err == nil {
		t.Error("duplicate name must be rejected")
	}

	got, ok := reg.Get("openai")
	if !ok || got.Compat != "openai" {
		t.Errorf("Get() = %+v, %v", got, ok)
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("missing name should not resolve")
	}
}

func TestBaseRegistryPreservesRegistrationOrder(t *testing.T) {
	reg := NewBaseRegistry[int]()
	for i, name := range []string{"c", "a", "b"} {
		if err := reg.Register(name, i); err != nil {
			t.Fatal(err)
		}
	}
	names := reg.Names()
	if len(names) != 3 || names[0] != "c" || names[1] != "a" || names[2] != "b" {
		t.Errorf("Names() = %v, want registration order", names)
	}
	items := reg.List()
	if len(items) != 3 || items[0] != 0 || items[2] != 2 {
		t.Errorf("List() = %v", items)
	}
}

func TestBaseRegistryRemoveAndClear(t *testing.T) {
	reg := NewBaseRegistry[string]()
	for i := 0; i < 3; i++ {
		if err := reg.Register(fmt.Sprintf("item-%d", i), "x"); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Remove("item-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := reg.Remove("item-1"); err == nil {
		t.Error("removing a missing item must fail")
	}
	if reg.Count() != 2 {
		t.Errorf("Count() = %d, want 2", reg.Count())
	}
	reg.Clear()
	if reg.Count() != 0 || len(reg.Names()) != 0 {
		t.Error("Clear() must empty the registry")
	}
}
