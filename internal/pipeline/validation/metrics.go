// internal/pipeline/validation/metrics.go
package validation

import (
	"math"
	"strings"
	"unicode"
)

// transitionVocabulary marks explicit synthesis/logical-flow wording.
var transitionVocabulary = []string{
	"however", "therefore", "combining", "additionally", "furthermore",
	"in contrast", "on the other hand", "consequently", "moreover", "overall",
}

// toxicKeywords is the heuristic blocklist for the default scorer. A real
// moderation backend can be substituted through ToxicityScorer.
var toxicKeywords = []string{
	"idiot", "stupid", "hate", "kill", "worthless", "shut up", "moron", "dumb",
}

// ToxicityScorer rates text cleanliness in [0,1], higher meaning cleaner.
type ToxicityScorer interface {
	Score(text string) float64
}

// KeywordToxicityScorer penalizes each blocklist hit.
type KeywordToxicityScorer struct{}

func (KeywordToxicityScorer) Score(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range toxicKeywords {
		hits += strings.Count(lower, kw)
	}
	return clamp01(1 - 0.25*float64(hits))
}

const (
	optimalGradeLow   = 7.0
	optimalGradeHigh  = 12.0
	gradePenaltySlope = 0.08 // score lost per grade outside the band
	longSentenceWords = 30.0
)

// readabilityScore maps a grade-level estimate onto [0,1] with a penalty
// curve centered on the optimal band, plus an extra penalty for very long
// average sentence length.
func readabilityScore(text string) float64 {
	sentences := splitSentences(text)
	words := strings.Fields(text)
	if len(sentences) == 0 || len(words) == 0 {
		return 0
	}

	wordsPerSentence := float64(len(words)) / float64(len(sentences))
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	syllablesPerWord := float64(syllables) / float64(len(words))

	// Flesch-Kincaid grade estimate.
	grade := 0.39*wordsPerSentence + 11.8*syllablesPerWord - 15.59

	score := 1.0
	switch {
	case grade < optimalGradeLow:
		score -= gradePenaltySlope * (optimalGradeLow - grade)
	case grade > optimalGradeHigh:
		score -= gradePenaltySlope * (grade - optimalGradeHigh)
	}

	if wordsPerSentence > longSentenceWords {
		score -= 0.02 * (wordsPerSentence - longSentenceWords)
	}
	return clamp01(score)
}

// factualScore is the mean cosine similarity between the synthesis and each
// source, with a bonus for being uniformly close to all of them.
func factualScore(similarities []float64) float64 {
	if len(similarities) == 0 {
		return 0.5 // no sources to compare against: neutral
	}

	var mean float64
	for _, s := range similarities {
		mean += clamp01(s)
	}
	mean /= float64(len(similarities))

	var variance float64
	for _, s := range similarities {
		d := clamp01(s) - mean
		variance += d * d
	}
	variance /= float64(len(similarities))

	// Low spread across sources earns up to +0.1.
	bonus := 0.1 * (1 - math.Min(1, variance*20))
	return clamp01(mean + bonus)
}

// noveltyScore blends new-word fraction, sentence-structure ratio, and
// transition vocabulary presence.
func noveltyScore(synthesis string, sources []string) float64 {
	synthWords := strings.Fields(strings.ToLower(synthesis))
	if len(synthWords) == 0 {
		return 0
	}

	sourceWords := make(map[string]bool)
	for _, src := range sources {
		for _, w := range strings.Fields(strings.ToLower(src)) {
			sourceWords[normalizeWord(w)] = true
		}
	}

	newWords := 0
	for _, w := range synthWords {
		if !sourceWords[normalizeWord(w)] {
			newWords++
		}
	}
	newWordFraction := float64(newWords) / float64(len(synthWords))

	synthSentences := float64(len(splitSentences(synthesis)))
	var sourceSentences float64
	for _, src := range sources {
		sourceSentences += float64(len(splitSentences(src)))
	}
	structureRatio := 0.5
	if sourceSentences > 0 {
		structureRatio = math.Min(1, synthSentences/sourceSentences)
	}

	lower := strings.ToLower(synthesis)
	transitions := 0
	for _, t := range transitionVocabulary {
		if strings.Contains(lower, t) {
			transitions++
		}
	}
	transitionScore := math.Min(1, float64(transitions)/3.0)

	return clamp01(0.5*newWordFraction + 0.25*structureRatio + 0.25*transitionScore)
}

// structureScore checks presentation signals plus lexical overlap with the
// original request as a relevance proxy.
func structureScore(synthesis, requestText string) float64 {
	trimmed := strings.TrimSpace(synthesis)
	if trimmed == "" {
		return 0
	}

	var score float64
	runes := []rune(trimmed)
	if unicode.IsUpper(runes[0]) {
		score += 0.2
	}
	if strings.ContainsAny(string(runes[len(runes)-1]), ".!?") {
		score += 0.2
	}
	if strings.Contains(trimmed, "\n\n") {
		score += 0.2
	}

	lower := strings.ToLower(trimmed)
	for _, t := range transitionVocabulary {
		if strings.Contains(lower, t) {
			score += 0.2
			break
		}
	}

	score += 0.2 * requestOverlap(lower, strings.ToLower(requestText))
	return clamp01(score)
}

// requestOverlap is the fraction of meaningful request words echoed in the
// synthesis.
func requestOverlap(synthesisLower, requestLower string) float64 {
	requestWords := 0
	matched := 0
	for _, w := range strings.Fields(requestLower) {
		w = normalizeWord(w)
		if len(w) < 4 {
			continue
		}
		requestWords++
		if strings.Contains(synthesisLower, w) {
			matched++
		}
	}
	if requestWords == 0 {
		return 1
	}
	return float64(matched) / float64(requestWords)
}

func splitSentences(text string) []string {
	var sentences []string
	for _, s := range strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	}) {
		if strings.TrimSpace(s) != "" {
			sentences = append(sentences, strings.TrimSpace(s))
		}
	}
	return sentences
}

// countSyllables estimates syllables as vowel groups, minimum one.
func countSyllables(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range word {
		isVowel := strings.ContainsRune("aeiouy", r)
		if isVowel && !prevVowel {
			count++
		}
		prevVowel = isVowel
	}
	if strings.HasSuffix(word, "e") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

func normalizeWord(w string) string {
	return strings.Trim(w, ".,;:!?\"'()[]")
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
