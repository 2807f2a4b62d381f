package partbackup

import (
	"slices"
	"testing"
)

func TestValidatePartitionName(t *testing.T) {
	valid := []string{"boot_a", "vendor_boot", "modem.b", "abl-a", "Super"}
	for _, name := range valid {
		if err := ValidatePartitionName(name); err != nil {
			t.Fatalf("ValidatePartitionName(%q) = %v", name, err)
		}
	}
	invalid := []string{"", "dev/boot", `boot\a`, "..", "boot a", "boot;rm"}
	for _, name := range invalid {
		err := ValidatePartitionName(name)
		if !IsKind(err, KindInvalidRequest) {
			t.Fatalf("ValidatePartitionName(%q) = %v, want InvalidRequest", name, err)
		}
	}
}

func TestNormalizePartitions(t *testing.T) {
	got := normalizePartitions([]string{"vendor_boot", "boot_a", "vendor_boot", "abl_a"})
	want := []string{"abl_a", "boot_a", "vendor_boot"}
	if !slices.Equal(got, want) {
		t.Fatalf("normalizePartitions = %v, want %v", got, want)
	}
}

func TestRiskPolicyClassify(t *testing.T) {
	records := NewRiskPolicy(nil).Classify([]string{"boot_a", "USERDATA", "frp", "metadata", "cache", "modem"})
	for _, rec := range records {
		wantRisky := rec.Name != "boot_a" && rec.Name != "modem"
		if rec.Risky != wantRisky || rec.Selected == wantRisky {
			t.Fatalf("record %+v: want risky=%v selected=%v", rec, wantRisky, !wantRisky)
		}
	}

	custom := NewRiskPolicy([]string{" Persist "})
	if !custom.IsRisky("persist") || custom.IsRisky("userdata") {
		t.Fatalf("custom policy misclassified")
	}
	var zero RiskPolicy
	if !zero.IsRisky("userdata") {
		t.Fatalf("zero policy should fall back to defaults")
	}
}

func TestSelectionHelpers(t *testing.T) {
	records := NewRiskPolicy(nil).Classify([]string{"boot_a", "userdata", "vbmeta"})
	if got := SelectedNames(records); !slices.Equal(got, []string{"boot_a", "vbmeta"}) {
		t.Fatalf("default selection = %v", got)
	}

	InvertSelection(records)
	if got := SelectedNames(records); !slices.Equal(got, []string{"userdata"}) {
		t.Fatalf("inverted selection = %v", got)
	}

	SelectAll(records)
	if got := SelectedNames(records); len(got) != 3 {
		t.Fatalf("select all = %v", got)
	}

	SelectDefault(records)
	if got := SelectedNames(records); !slices.Equal(got, []string{"boot_a", "vbmeta"}) {
		t.Fatalf("restored default = %v", got)
	}
}
