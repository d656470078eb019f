package classifier

import (
	"context"
	"strings"
	"unicode"

	"filesense/internal/organizer"
)

// Heuristic confidence band. Keyword guesses never reach the high band of a
// model answer.
const (
	heuristicBase = 0.55
	heuristicStep = 0.05
	heuristicMax  = 0.75
)

type keywordRule struct {
	category     string
	subcategory  string
	documentType string
	keywords     []string
}

// Rules are tried in order; the rule with the most keyword hits wins and
// earlier rules win ties.
var keywordRules = []keywordRule{
	{organizer.CategoryMoney, "Taxes", "Tax", []string{"tax", "taxes", "w2", "1099", "irs", "hmrc", "deduction", "refund"}},
	{organizer.CategoryMoney, "Invoices", "Invoice", []string{"invoice", "factura", "billing", "amount due"}},
	{organizer.CategoryMoney, "Receipts", "Receipt", []string{"receipt", "recibo", "purchase", "order"}},
	{organizer.CategoryMoney, "Banking", "Statement", []string{"statement", "bank", "account", "balance", "transactions", "credit card"}},
	{organizer.CategoryWork, "Career", "Resume", []string{"resume", "cv", "curriculum", "cover letter", "experience"}},
	{organizer.CategoryWork, "Payroll", "Statement", []string{"payslip", "payroll", "salary", "paystub"}},
	{organizer.CategoryWork, "", "Report", []string{"meeting", "quarterly", "roadmap", "okr", "memo", "employer"}},
	{organizer.CategoryLegal, "Contracts", "Contract", []string{"contract", "agreement", "nda", "terms", "signed", "contrato"}},
	{organizer.CategoryLegal, "Identity", "Unknown", []string{"passport", "license", "birth certificate", "ssn", "visa", "id card"}},
	{organizer.CategoryHealth, "Medical", "Report", []string{"medical", "doctor", "prescription", "lab", "hospital", "dental", "insurance claim", "patient"}},
	{organizer.CategoryHome, "Property", "Unknown", []string{"mortgage", "lease", "rent", "deed", "utility", "warranty", "landlord", "vehicle"}},
	{organizer.CategorySchool, "Education", "Unknown", []string{"transcript", "course", "syllabus", "homework", "thesis", "university", "diploma", "certificate"}},
	{organizer.CategoryFamily, "", "Unknown", []string{"family", "kids", "wedding", "birthday", "school photo"}},
	{organizer.CategoryClients, "", "Unknown", []string{"client", "proposal", "customer", "vendor", "quote"}},
	{organizer.CategoryProjects, "", "Notes", []string{"project", "plan", "draft", "proposal", "notes"}},
	{organizer.CategoryArchive, "Travel", "Unknown", []string{"itinerary", "boarding pass", "flight", "hotel", "booking", "trip"}},
}

// HeuristicClassifier is an offline keyword matcher over filename and snippet.
// It answers every file in a batch and never fails.
type HeuristicClassifier struct {
	version string
}

func NewHeuristicClassifier(promptVersion string) *HeuristicClassifier {
	return &HeuristicClassifier{version: versionString("heuristic", "keywords", promptVersion)}
}

func (c *HeuristicClassifier) Version() string {
	return c.version
}

func (c *HeuristicClassifier) Classify(ctx context.Context, files []organizer.ClassifyFile) ([]organizer.ClassifyResult, error) {
	results := make([]organizer.ClassifyResult, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, normalizeResult(classifyByKeywords(f)))
	}
	return results, nil
}

func classifyByKeywords(f organizer.ClassifyFile) organizer.ClassifyResult {
	text := " " + tokenize(f.Filename+" "+f.Snippet) + " "

	best := -1
	var tags []string
	for i, rule := range keywordRules {
		var hits []string
		for _, kw := range rule.keywords {
			if strings.Contains(text, " "+kw+" ") {
				hits = append(hits, kw)
			}
		}
		if len(hits) > len(tags) {
			best, tags = i, hits
		}
	}

	if best < 0 {
		return organizer.ClassifyResult{
			FileID:       f.FileID,
			Category:     organizer.CategoryReview,
			Confidence:   heuristicBase,
			DocumentType: fallbackDocumentType(f.Extension),
			Summary:      "no matching keywords",
		}
	}

	rule := keywordRules[best]
	confidence := heuristicBase + heuristicStep*float64(len(tags)-1)
	if confidence > heuristicMax {
		confidence = heuristicMax
	}
	docType := rule.documentType
	if docType == "Unknown" {
		docType = fallbackDocumentType(f.Extension)
	}
	return organizer.ClassifyResult{
		FileID:       f.FileID,
		Category:     rule.category,
		Subcategory:  rule.subcategory,
		Tags:         tags,
		Confidence:   confidence,
		DocumentType: docType,
		Summary:      "matched keywords: " + strings.Join(tags, ", "),
	}
}

func fallbackDocumentType(ext string) string {
	switch strings.ToLower(ext) {
	case "xls", "xlsx", "csv", "ods":
		return "Spreadsheet"
	case "ppt", "pptx", "odp":
		return "Presentation"
	case "md", "txt":
		return "Notes"
	default:
		return "Unknown"
	}
}

// tokenize lowercases s and turns every run of non-alphanumerics into one space,
// so "Tax_Return-2023.pdf" becomes "tax return 2023 pdf".
func tokenize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
