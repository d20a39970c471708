package detect

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
)

// Thresholds tunes the magnitude computation. Zero values take defaults.
type Thresholds struct {
	Moderate      float64 `yaml:"moderate"`        // default 15
	Significant   float64 `yaml:"significant"`     // default 25
	Major         float64 `yaml:"major"`           // default 50
	MinCharChange int     `yaml:"min_char_change"` // default 50; alerts need at least this many chars of length change
	SampleAbove   int     `yaml:"sample_above"`    // default 10000; texts longer than this are compared by samples
	Samples       int     `yaml:"samples"`         // default 5
	SampleSize    int     `yaml:"sample_size"`     // default 1000
}

func (t *Thresholds) defaults() {
	if t.Moderate <= 0 {
		t.Moderate = 15
	}
	if t.Significant <= 0 {
		t.Significant = 25
	}
	if t.Major <= 0 {
		t.Major = 50
	}
	if t.MinCharChange <= 0 {
		t.MinCharChange = 50
	}
	if t.SampleAbove <= 0 {
		t.SampleAbove = 10000
	}
	if t.Samples <= 0 {
		t.Samples = 5
	}
	if t.SampleSize <= 0 {
		t.SampleSize = 1000
	}
}

// Magnitude is the locally computed size of a change.
type Magnitude struct {
	Score       float64 `json:"score"` // 0..100, one decimal
	Category    string  `json:"category"`
	LengthDelta int     `json:"length_delta"` // new length minus old length, in runes
	CharDiff    int     `json:"char_diff"`    // |LengthDelta|
	Similarity  float64 `json:"similarity"`   // word-set Jaccard, 0..1
	ShouldAlert bool    `json:"should_alert"`
}

// ComputeMagnitude scores the change from oldText to newText. The score is
// the mean of the relative length change and the word-set dissimilarity,
// both in percent. Equal texts, both empty included, score 0.
func ComputeMagnitude(oldText, newText string, th Thresholds) Magnitude {
	th.defaults()
	if oldText == newText {
		return Magnitude{Category: changes.CategoryMinor, Similarity: 1}
	}
	oldLen := utf8.RuneCountInString(oldText)
	newLen := utf8.RuneCountInString(newText)
	m := Magnitude{LengthDelta: newLen - oldLen}
	m.CharDiff = abs(m.LengthDelta)

	if oldText == "" || newText == "" {
		m.Score = 100
		m.Category = changes.CategoryNewContent
		m.ShouldAlert = m.CharDiff >= th.MinCharChange
		return m
	}

	lengthPct := 0.0
	if maxLen := max(oldLen, newLen); maxLen > 0 {
		lengthPct = float64(m.CharDiff) / float64(maxLen) * 100
	}
	m.Similarity = similarity(oldText, newText, th)
	effective := (lengthPct + (1-m.Similarity)*100) / 2

	m.Score = math.Round(effective*10) / 10
	switch {
	case effective >= th.Major:
		m.Category = changes.CategoryMajor
	case effective >= th.Significant:
		m.Category = changes.CategorySignificant
	case effective >= th.Moderate:
		m.Category = changes.CategoryModerate
	default:
		m.Category = changes.CategoryMinor
	}
	m.ShouldAlert = effective >= th.Significant && m.CharDiff >= th.MinCharChange
	return m
}

func similarity(a, b string, th Thresholds) float64 {
	if len(a) <= th.SampleAbove && len(b) <= th.SampleAbove {
		return jaccard(a, b)
	}
	ra, rb := []rune(a), []rune(b)
	total := 0.0
	for i := range th.Samples {
		total += jaccard(sample(ra, i, th), sample(rb, i, th))
	}
	return total / float64(th.Samples)
}

// sample returns the i-th of th.Samples windows of th.SampleSize runes,
// evenly spaced from the start to the end of r.
func sample(r []rune, i int, th Thresholds) string {
	span := len(r) - th.SampleSize
	if span <= 0 {
		return string(r)
	}
	pos := 0
	if th.Samples > 1 {
		pos = span * i / (th.Samples - 1)
	}
	return string(r[pos : pos+th.SampleSize])
}

func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	union := len(setA)
	inter := 0
	for w := range setB {
		if setA[w] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Summarise builds the line-level diff summary: lines longer than 10
// characters present on one side only, at most 10 of each kept.
func Summarise(oldText, newText string) changes.Diff {
	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")
	oldSet := make(map[string]bool, len(oldLines))
	for _, l := range oldLines {
		oldSet[l] = true
	}
	newSet := make(map[string]bool, len(newLines))
	for _, l := range newLines {
		newSet[l] = true
	}

	var d changes.Diff
	for _, l := range oldLines {
		if t := strings.TrimSpace(l); !newSet[l] && utf8.RuneCountInString(t) > 10 {
			d.RemovedCount++
			if len(d.Removed) < 10 {
				d.Removed = append(d.Removed, t)
			}
		}
	}
	for _, l := range newLines {
		if t := strings.TrimSpace(l); !oldSet[l] && utf8.RuneCountInString(t) > 10 {
			d.AddedCount++
			if len(d.Added) < 10 {
				d.Added = append(d.Added, t)
			}
		}
	}
	d.Summary = fmt.Sprintf("Added %d lines, removed %d lines", d.AddedCount, d.RemovedCount)
	return d
}
