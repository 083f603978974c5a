package tests

import (
	"errors"
	"net/url"
	"reflect"
	"testing"

	"trapper_platform/trapper/schema"

	"github.com/google/uuid"
)

func TestCloneClassificator(t *testing.T) {
	env := setupTestEnv(t)
	owner := env.newUser(t, "owner")
	other := env.newUser(t, "other")

	classificatorId, err := owner.createClassificator("Mammals")
	if err != nil {
		t.Fatal(err)
	}
	if err := owner.setCustomAttr(classificatorId, "count", schema.FieldInt, schema.TargetStatic); err != nil {
		t.Fatal(err)
	}
	if err := owner.setCustomAttr(classificatorId, "behaviour", schema.FieldString, schema.TargetDynamic, "grazing", "resting"); err != nil {
		t.Fatal(err)
	}

	original, err := owner.classificator(classificatorId)
	if err != nil {
		t.Fatal(err)
	}

	clone, err := other.cloneClassificator(classificatorId)
	if err != nil {
		t.Fatal(err)
	}
	if clone.Name != "[copy 1] Mammals" {
		t.Fatalf("invalid clone name %q", clone.Name)
	}
	if clone.CopyOf == nil || *clone.CopyOf != original.Id {
		t.Fatalf("clone should reference the original, got %v", clone.CopyOf)
	}
	if clone.OwnerId.String() != other.userId {
		t.Fatalf("clone should belong to the caller, got %v", clone.OwnerId)
	}
	if !reflect.DeepEqual(clone.CustomAttrs, original.CustomAttrs) {
		t.Fatalf("custom attributes differ: %v != %v", clone.CustomAttrs, original.CustomAttrs)
	}
	if !reflect.DeepEqual(clone.StaticAttrsOrder, original.StaticAttrsOrder) || !reflect.DeepEqual(clone.DynamicAttrsOrder, original.DynamicAttrsOrder) {
		t.Fatal("attribute order should be copied")
	}

	second, err := owner.cloneClassificator(classificatorId)
	if err != nil {
		t.Fatal(err)
	}
	if second.Name != "[copy 2] Mammals" {
		t.Fatalf("invalid second clone name %q", second.Name)
	}

	if err := other.setCustomAttr(classificatorId, "age", schema.FieldString, schema.TargetStatic); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only the owner may change a classificator, got %v", err)
	}
	if err := other.setCustomAttr(clone.Id.String(), "age", schema.FieldString, schema.TargetStatic); err != nil {
		t.Fatal(err)
	}
}

func TestSpeciesSearch(t *testing.T) {
	env := setupTestEnv(t)
	user := env.newUser(t, "user")

	species := []schema.Species{
		{Id: uuid.New(), LatinName: "Canis lupus", EnglishName: "Grey wolf", Genus: "Canis", Family: "Canidae"},
		{Id: uuid.New(), LatinName: "Vulpes vulpes", EnglishName: "Red fox", Genus: "Vulpes", Family: "Canidae"},
		{Id: uuid.New(), LatinName: "Lynx lynx", EnglishName: "Eurasian lynx", Genus: "Lynx", Family: "Felidae"},
	}
	if err := env.db.Create(&species).Error; err != nil {
		t.Fatal(err)
	}

	found, err := user.searchSpecies(url.Values{"search": {"wolf"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 || found[0].Value != "Canis lupus" || found[0].Family != "Canidae" || found[0].Genus != "Canis" {
		t.Fatalf("invalid search result %+v", found)
	}

	found, err = user.searchSpecies(url.Values{"family": {"Canidae"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 canids, got %+v", found)
	}

	found, err = user.searchSpecies(url.Values{"family": {"Canidae"}, "genus": {"Lynx"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no species, got %+v", found)
	}

	if _, err := user.searchSpecies(url.Values{"limit": {"zero"}}); err == nil {
		t.Fatal("invalid limit should be rejected")
	}

	anonymous := env.newClient()
	if _, err := anonymous.searchSpecies(url.Values{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("species search requires login, got %v", err)
	}
}
