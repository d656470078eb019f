package organizer

import (
	"fmt"
	"strings"
)

// Canonical categories. Every classification maps onto exactly one of these.
const (
	CategoryWork     = "Work"
	CategoryMoney    = "Money"
	CategoryHome     = "Home"
	CategoryHealth   = "Health"
	CategoryLegal    = "Legal"
	CategorySchool   = "School"
	CategoryFamily   = "Family"
	CategoryClients  = "Clients"
	CategoryProjects = "Projects"
	CategoryArchive  = "Archive"
	CategoryReview   = "Review"
)

// Categories lists the canonical categories in folder order.
var Categories = []string{
	CategoryWork, CategoryMoney, CategoryHome, CategoryHealth, CategoryLegal, CategorySchool,
	CategoryFamily, CategoryClients, CategoryProjects, CategoryArchive, CategoryReview,
}

// DefaultReviewThreshold is the confidence below which a file goes to review.
const DefaultReviewThreshold = 0.70

// Confidence bounds applied to every classifier answer.
const (
	MinConfidence = 0.50
	MaxConfidence = 0.98
)

// DocumentTypes lists the accepted document type labels.
var DocumentTypes = []string{
	"Invoice", "Contract", "Resume", "Tax", "Receipt", "Letter", "Report", "Notes",
	"Statement", "Application", "Policy", "Manual", "Presentation", "Spreadsheet", "Unknown",
}

// FolderName returns the numbered folder name of a canonical category, e.g. "02 Money".
func FolderName(category string) string {
	for i, c := range Categories {
		if c == category {
			return fmt.Sprintf("%02d %s", i+1, c)
		}
	}
	return FolderName(CategoryReview)
}

// ReviewFolder is the fixed, style-independent review bucket.
var ReviewFolder = FolderName(CategoryReview)

var categorySynonyms = map[string][]string{
	CategoryWork: {"work", "career", "employment", "job", "jobs", "resume", "resumes", "cv",
		"performance", "payroll", "payslips", "payslip", "employer", "trabajo", "carrera", "empleo"},
	CategoryMoney: {"money", "finance", "finances", "financial", "banking", "bank", "taxes", "tax",
		"investments", "investment", "receipts", "receipt", "accounting", "bills", "budget", "dinero", "finanzas"},
	CategoryHome: {"home", "property", "house", "housing", "real estate", "realestate", "car", "vehicle",
		"auto", "mortgage", "deed", "title", "apartment", "rent", "lease", "utilities", "warranty",
		"warranties", "casa", "propiedad", "hogar"},
	CategoryHealth: {"health", "medical", "healthcare", "wellness", "doctor", "doctors", "dental", "vision",
		"prescriptions", "prescription", "hospital", "lab", "labs", "salud", "medico"},
	CategoryLegal: {"legal", "contracts", "contract", "agreements", "agreement", "law", "attorney", "lawyer",
		"court", "license", "licenses", "wills", "will", "power of attorney", "poa", "identity", "id", "ids",
		"identification", "passport", "passports", "ssn", "social security", "birth certificate",
		"citizenship", "identidad", "identificacion"},
	CategorySchool: {"school", "education", "learning", "university", "college", "academic", "studies",
		"student", "courses", "course", "training", "certification", "certifications", "research",
		"escuela", "aprendizaje", "educacion"},
	CategoryFamily: {"family", "familia", "kids", "children", "spouse", "relatives", "personal", "friends", "amigos"},
	CategoryClients: {"clients", "client", "customers", "customer", "business", "company", "corporate",
		"vendors", "vendor", "suppliers", "clientes", "negocios", "empresa"},
	CategoryProjects: {"projects", "project", "engagements", "engagement", "cases", "case", "initiatives", "proyectos"},
	CategoryArchive: {"archive", "archived", "old", "historical", "past", "inactive", "completed", "done",
		"archivo", "travel", "trips", "trip", "vacation", "vacations", "viajes", "viaje"},
	CategoryReview: {"review", "inbox", "unsorted", "unknown", "other", "misc", "miscellaneous", "revisar", "pending"},
}

var synonymIndex = buildSynonymIndex()

func buildSynonymIndex() map[string]string {
	idx := make(map[string]string)
	for category, words := range categorySynonyms {
		for _, w := range words {
			idx[w] = category
		}
	}
	return idx
}

// NormalizeCategory maps a raw category or folder name onto a canonical
// category. A leading folder number ("02 Money") is ignored; anything
// unrecognized becomes Review.
func NormalizeCategory(raw string) string {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	cleaned = strings.TrimLeft(cleaned, "0123456789 ")
	cleaned = strings.TrimSpace(cleaned)
	if c, ok := synonymIndex[cleaned]; ok {
		return c
	}
	return CategoryReview
}

// LookupCategory is NormalizeCategory that also reports whether raw was recognized.
func LookupCategory(raw string) (string, bool) {
	cleaned := strings.TrimSpace(strings.TrimLeft(strings.ToLower(strings.TrimSpace(raw)), "0123456789 "))
	c, ok := synonymIndex[cleaned]
	return c, ok
}

// NormalizeDocumentType returns the canonical document type label, or "Unknown".
func NormalizeDocumentType(raw string) string {
	for _, t := range DocumentTypes {
		if strings.EqualFold(t, strings.TrimSpace(raw)) {
			return t
		}
	}
	return "Unknown"
}

// ClampConfidence bounds a classifier confidence to [MinConfidence, MaxConfidence].
func ClampConfidence(c float64) float64 {
	if c < MinConfidence {
		return MinConfidence
	}
	if c > MaxConfidence {
		return MaxConfidence
	}
	return c
}
