package scenarios

import "testing"

func TestAll(t *testing.T) {
	all := All()
	if len(all) != 8 {
		t.Fatalf("catalogue size = %d, want 8", len(all))
	}
	seen := make(map[string]struct{})
	for _, scenario := range all {
		if scenario.ID == "" || scenario.Name == "" || scenario.Query == "" || scenario.Category == "" {
			t.Errorf("incomplete scenario: %+v", scenario)
		}
		if _, dup := seen[scenario.ID]; dup {
			t.Errorf("duplicate scenario id %s", scenario.ID)
		}
		seen[scenario.ID] = struct{}{}
		if len(scenario.ExpectedTools) == 0 {
			t.Errorf("scenario %s has no expected tools", scenario.ID)
		}
	}
}

func TestAll_ReturnsCopy(t *testing.T) {
	All()[0].ID = "mutated"
	if All()[0].ID == "mutated" {
		t.Error("caller mutation leaked into the catalogue")
	}
}

func TestByID(t *testing.T) {
	scenario, ok := ByID("verify-climate")
	if !ok {
		t.Fatal("verify-climate not found")
	}
	if scenario.Category != "verification" {
		t.Errorf("category = %s, want verification", scenario.Category)
	}
	if _, ok := ByID("nope"); ok {
		t.Error("unexpected hit for unknown id")
	}
}

func TestCategories(t *testing.T) {
	categories := Categories()
	want := []string{"planning", "information_seeking", "verification", "reporting", "authority"}
	if len(categories) != len(want) {
		t.Fatalf("categories = %v, want %v", categories, want)
	}
	for i, category := range want {
		if categories[i] != category {
			t.Errorf("categories[%d] = %s, want %s", i, categories[i], category)
		}
	}
}
