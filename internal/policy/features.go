package policy

import (
	"regexp"
	"strings"

	"github.com/ashita-ai/hyoka/internal/model"
)

var tokenRE = regexp.MustCompile(`[a-z0-9]+`)
var sentenceRE = regexp.MustCompile(`[.!?]`)

// RecordFeatures are derived text features for one telemetry record.
type RecordFeatures struct {
	InputTokens   map[string]struct{}
	OutputTokens  map[string]struct{}
	OutputWords   []string // lowercase words including duplicates
	SentenceCount int      // punctuation-terminated sentences in the output, min 1 when words exist
}

// Features are per-slice derived text features, computed once and shared
// read-only across policies operating on the same slice. Policies never
// mutate shared inputs, so no synchronization is needed.
type Features struct {
	Records []RecordFeatures
}

// Extract computes features for a telemetry slice.
func Extract(records []model.TelemetryRecord) *Features {
	f := &Features{Records: make([]RecordFeatures, len(records))}
	for i, r := range records {
		words := tokenRE.FindAllString(strings.ToLower(r.OutputText), -1)
		sentences := len(sentenceRE.FindAllString(r.OutputText, -1))
		if sentences < 1 {
			sentences = 1
		}
		f.Records[i] = RecordFeatures{
			InputTokens:   tokens(r.InputText),
			OutputTokens:  tokens(r.OutputText),
			OutputWords:   words,
			SentenceCount: sentences,
		}
	}
	return f
}

func tokens(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenRE.FindAllString(strings.ToLower(text), -1) {
		out[tok] = struct{}{}
	}
	return out
}

func intersects(a, b map[string]struct{}) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for tok := range a {
		if _, ok := b[tok]; ok {
			return true
		}
	}
	return false
}

func safeRatio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
