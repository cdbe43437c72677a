// Package text normalises free text before it is sent to a speech provider.
package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxSpokenNumber is the largest integer spelled out in words.
const MaxSpokenNumber = 999999

const (
	urlPattern       = `https?://\S+`
	emailPattern     = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	numberPattern    = `\b\d+\b`
	referencePattern = `\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	spacePattern     = `\s+`
)

// tokenBase is the first private-use rune; protected spans are swapped for
// one rune each so no later pass can touch them.
const tokenBase = 0xE000

var (
	smallNumbers = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
)

// Normalizer cleans text so the speech provider reads it naturally.
type Normalizer struct {
	protected    []*regexp.Regexp
	number       *regexp.Regexp
	reference    *regexp.Regexp
	space        *regexp.Regexp
	abbreviation *strings.Replacer
	typography   *strings.Replacer
}

// NewNormalizer compiles the patterns once.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		protected: []*regexp.Regexp{regexp.MustCompile(urlPattern), regexp.MustCompile(emailPattern)},
		number:    regexp.MustCompile(numberPattern),
		reference: regexp.MustCompile(referencePattern),
		space:     regexp.MustCompile(spacePattern),
		abbreviation: strings.NewReplacer(
			"Mr.", "Mister",
			"Mrs.", "Misses",
			"Dr.", "Doctor",
			"St.", "Saint",
			"vs.", "versus",
			"etc.", "et cetera",
		),
		typography: strings.NewReplacer(
			"—", " - ", "–", "-", "‒", "-",
			"…", "...",
			"“", `"`, "”", `"`, "‘", "'", "’", "'",
		),
	}
}

// Normalize returns text ready for synthesis. URLs and email addresses pass
// through untouched. Empty or blank input yields "".
func (n *Normalizer) Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	text, tokens := n.protect(text)
	text = n.typography.Replace(text)
	text = n.abbreviation.Replace(text)
	text = n.reference.ReplaceAllString(text, "")
	text = n.number.ReplaceAllStringFunc(text, spellNumber)
	text = collapsePunctuation(text)
	text = strings.TrimSpace(n.space.ReplaceAllString(text, " "))
	text = restore(text, tokens)

	return terminate(text)
}

func (n *Normalizer) protect(text string) (string, []string) {
	var tokens []string

	for _, pattern := range n.protected {
		text = pattern.ReplaceAllStringFunc(text, func(match string) string {
			tokens = append(tokens, match)

			return string(rune(tokenBase + len(tokens) - 1))
		})
	}

	return text, tokens
}

func restore(text string, tokens []string) string {
	for i, token := range tokens {
		text = strings.Replace(text, string(rune(tokenBase+i)), token, 1)
	}

	return text
}

// collapsePunctuation keeps the first of a run of identical punctuation,
// except that "..." survives.
func collapsePunctuation(text string) string {
	var (
		out  strings.Builder
		prev rune
		run  int
	)

	for _, char := range text {
		if char == prev && unicode.IsPunct(char) {
			run++
			if char != '.' || run > 2 {
				continue
			}
		} else {
			run = 0
		}

		out.WriteRune(char)
		prev = char
	}

	return out.String()
}

func terminate(text string) string {
	if text == "" {
		return text
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	switch last {
	case '.', '!', '?':
		return text
	default:
		return text + "."
	}
}

func spellNumber(digits string) string {
	value, err := strconv.Atoi(digits)
	if err != nil || value > MaxSpokenNumber {
		return digits
	}

	if value < 1000 {
		return spellHundreds(value)
	}

	words := spellHundreds(value/1000) + " thousand"
	if rest := value % 1000; rest > 0 {
		words += " " + spellHundreds(rest)
	}

	return words
}

func spellHundreds(value int) string {
	switch {
	case value < len(smallNumbers):
		return smallNumbers[value]
	case value < 100:
		if value%10 == 0 {
			return tensWords[value/10]
		}

		return tensWords[value/10] + "-" + smallNumbers[value%10]
	default:
		words := smallNumbers[value/100] + " hundred"
		if rest := value % 100; rest > 0 {
			words += " " + spellHundreds(rest)
		}

		return words
	}
}
