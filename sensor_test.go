package scripts_test

import (
	"testing"

	"github.com/KerJoe/ksystemstats-scripts"
)

func TestObjectCarriesNameProperty(t *testing.T) {
	o := scripts.NewObject("fans.sh", "Fans")
	p := o.Property("name")
	if p == nil {
		t.Fatal("object has no name property")
	}
	if p.Value() != "Fans" {
		t.Errorf("name value = %v, want Fans", p.Value())
	}
	if p.VariantType() != scripts.TypeString {
		t.Errorf("name type = %v, want string", p.VariantType())
	}
}

func TestObjectReplaceKeepsOrder(t *testing.T) {
	o := scripts.NewObject("o", "o")
	o.AddProperty(scripts.NewProperty("a", "A", ""))
	o.AddProperty(scripts.NewProperty("b", "B", ""))

	// Re-adding "a" (as a rediscovery does) must keep its slot.
	replacement := scripts.NewProperty("a", "A2", "x")
	o.AddProperty(replacement)

	props := o.Properties()
	ids := make([]string, len(props))
	for i, p := range props {
		ids[i] = p.ID()
	}
	want := []string{"name", "a", "b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order = %v, want %v", ids, want)
		}
	}
	if o.Property("a") != replacement {
		t.Error("replacement descriptor not registered")
	}
}

func TestContainerStableIdentities(t *testing.T) {
	c := scripts.NewContainer("scripts", "Scripts")
	first := scripts.NewObject("a.sh", "a.sh")
	if got := c.AddObject(first); got != first {
		t.Fatal("AddObject did not return the new object")
	}
	// A second add under the same identity keeps the original registration.
	if got := c.AddObject(scripts.NewObject("a.sh", "other")); got != first {
		t.Error("duplicate identity replaced the registered object")
	}
	if len(c.Objects()) != 1 {
		t.Errorf("got %d objects, want 1", len(c.Objects()))
	}
}
