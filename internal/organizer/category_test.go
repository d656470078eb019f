package organizer_test

import (
	"testing"

	"filesense/internal/organizer"
)

func TestFolderName(t *testing.T) {
	tests := map[string]string{
		organizer.CategoryWork:    "01 Work",
		organizer.CategoryMoney:   "02 Money",
		organizer.CategoryArchive: "10 Archive",
		organizer.CategoryReview:  "11 Review",
		"Nonsense":                "11 Review",
	}
	for category, want := range tests {
		if got := organizer.FolderName(category); got != want {
			t.Errorf("FolderName(%q) = %q, want %q", category, got, want)
		}
	}
	if organizer.ReviewFolder != "11 Review" {
		t.Errorf("ReviewFolder = %q", organizer.ReviewFolder)
	}
}

func TestNormalizeCategory(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Work", organizer.CategoryWork},
		{"  finance ", organizer.CategoryMoney},
		{"02 Money", organizer.CategoryMoney},
		{"Medical", organizer.CategoryHealth},
		{"passport", organizer.CategoryLegal},
		{"Real Estate", organizer.CategoryHome},
		{"Escuela", organizer.CategorySchool},
		{"Vacation", organizer.CategoryArchive},
		{"customers", organizer.CategoryClients},
		{"", organizer.CategoryReview},
		{"something else", organizer.CategoryReview},
	}
	for _, tt := range tests {
		if got := organizer.NormalizeCategory(tt.raw); got != tt.want {
			t.Errorf("NormalizeCategory(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}

	if _, ok := organizer.LookupCategory("galaxy"); ok {
		t.Error("LookupCategory(galaxy) recognized")
	}
	if c, ok := organizer.LookupCategory("09 projects"); !ok || c != organizer.CategoryProjects {
		t.Errorf("LookupCategory(09 projects) = %q, %v", c, ok)
	}
}

func TestNormalizeDocumentType(t *testing.T) {
	for raw, want := range map[string]string{"invoice": "Invoice", " TAX ": "Tax", "memo": "Unknown", "": "Unknown"} {
		if got := organizer.NormalizeDocumentType(raw); got != want {
			t.Errorf("NormalizeDocumentType(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestClampConfidence(t *testing.T) {
	for in, want := range map[float64]float64{0: 0.5, 0.2: 0.5, 0.75: 0.75, 0.98: 0.98, 1: 0.98} {
		if got := organizer.ClampConfidence(in); got != want {
			t.Errorf("ClampConfidence(%v) = %v, want %v", in, got, want)
		}
	}
}
