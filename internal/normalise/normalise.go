// Package normalise rewrites assistant text into TTS-friendly prose: numbers,
// clock times, currency, years, and symbols are spelled out as words, and
// punctuation that would confuse a speech synthesiser is simplified.
//
// Normalise applies ten rules in a fixed order (spec order matters — earlier
// rules consume characters later rules would otherwise misinterpret, e.g.
// currency must run before bare integers so "$5" isn't read "five dollar
// sign").
package normalise

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	clockRe    = regexp.MustCompile(`\b(\d{1,2}):(\d{2})(\s?([AaPp][Mm]))?\b`)
	decimalRe  = regexp.MustCompile(`(\$?)(\d+)\.(\d+)`)
	ordinalRe  = regexp.MustCompile(`\b(\d+)(st|nd|rd|th)\b`)
	currencyRe = regexp.MustCompile(`\$(\d+)(?:\.(\d{2}))?`)
	percentRe  = regexp.MustCompile(`\b(\d+)%`)
	yearRe     = regexp.MustCompile(`\b([12]\d{3})\b`)
	integerRe  = regexp.MustCompile(`\b(\d+)\b`)
	hashWordRe = regexp.MustCompile(`#(\w+)`)

	ellipsisRe   = regexp.MustCompile(`\.\.\.`)
	semicolonRe  = regexp.MustCompile(`[;:]`)
	bracketRe    = regexp.MustCompile(`[\[\]{}()]`)
	fancyQuoteRe = regexp.MustCompile(`[“”„‟"]`)
	markdownRe   = regexp.MustCompile("[*_~`]")
	hyphenRe     = regexp.MustCompile(`-`)
	trailingEndRe = regexp.MustCompile(`[.!?]+\s*$`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Normalise rewrites text into speech-friendly prose. It is idempotent:
// Normalise(Normalise(x)) == Normalise(x) once whitespace is collapsed.
func Normalise(text string) string {
	text = normaliseClockTimes(text)
	text = normaliseDecimals(text)
	text = normaliseOrdinals(text)
	text = normaliseCurrency(text)
	text = normalisePercent(text)
	text = normaliseYears(text)
	text = normaliseIntegers(text)
	text = normaliseSymbols(text)
	text = normalisePunctuation(text)
	text = collapseWhitespace(text)
	return text
}

// 1. Clock times: H:MM[ AM|PM] -> words.
func normaliseClockTimes(text string) string {
	return clockRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := clockRe.FindStringSubmatch(m)
		hour, _ := strconv.Atoi(sub[1])
		minute, _ := strconv.Atoi(sub[2])
		period := strings.ToUpper(strings.TrimSpace(sub[4]))

		var sb strings.Builder
		sb.WriteString(cardinalWords(int64(hour)))

		switch {
		case minute == 0 && period == "":
			sb.WriteString(" o'clock")
		case minute == 0:
			// period present, minute is zero: hour spoken, then period letters.
		case minute < 10:
			sb.WriteString(" oh ")
			sb.WriteString(ones[minute])
		default:
			sb.WriteString(" ")
			sb.WriteString(threeDigitWords(int64(minute)))
		}

		if period != "" {
			sb.WriteString(" ")
			for i, r := range period {
				if i > 0 {
					sb.WriteString(" ")
				}
				sb.WriteRune(r)
			}
		}
		return sb.String()
	})
}

// 2. Decimals: D.D... -> "<whole> point <digit digit ...>". Amounts still
// carrying a leading "$" are left untouched for the currency rule.
func normaliseDecimals(text string) string {
	return decimalRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := decimalRe.FindStringSubmatch(m)
		if sub[1] == "$" {
			return m
		}
		whole := cardinalWords(mustParseInt(sub[2]))
		var digits []string
		for _, r := range sub[3] {
			digits = append(digits, ones[r-'0'])
		}
		return whole + " point " + strings.Join(digits, " ")
	})
}

// 3. Ordinals: 123rd -> ordinal words.
func normaliseOrdinals(text string) string {
	return ordinalRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := ordinalRe.FindStringSubmatch(m)
		n := mustParseInt(sub[1])
		return ordinalWords(n)
	})
}

// 4. Currency: $D.CC and $D -> "N dollar(s) [and N cent(s)]".
func normaliseCurrency(text string) string {
	return currencyRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := currencyRe.FindStringSubmatch(m)
		dollars := mustParseInt(sub[1])
		var sb strings.Builder
		sb.WriteString(cardinalWords(dollars))
		sb.WriteString(" dollar")
		if dollars != 1 {
			sb.WriteString("s")
		}
		if sub[2] != "" {
			cents := mustParseInt(sub[2])
			if cents != 0 {
				sb.WriteString(" and ")
				sb.WriteString(cardinalWords(cents))
				sb.WriteString(" cent")
				if cents != 1 {
					sb.WriteString("s")
				}
			}
		}
		return sb.String()
	})
}

// 5. Percent: N% -> "N percent" (N is spelled out by the later integer rule).
func normalisePercent(text string) string {
	return percentRe.ReplaceAllString(text, "$1 percent")
}

// 6. Years: 1xxx|2xxx -> spoken year form.
func normaliseYears(text string) string {
	return yearRe.ReplaceAllStringFunc(text, func(m string) string {
		y := mustParseInt(m)
		return yearWords(int(y))
	})
}

func yearWords(y int) string {
	if y >= 2000 && y <= 2009 {
		if y == 2000 {
			return "two thousand"
		}
		return "two thousand " + ones[y-2000]
	}
	century := y / 100
	lastTwo := y % 100
	centuryWords := cardinalWords(int64(century))
	switch {
	case lastTwo == 0:
		return centuryWords + " hundred"
	case lastTwo < 10:
		return centuryWords + " oh " + ones[lastTwo]
	default:
		return centuryWords + " " + threeDigitWords(int64(lastTwo))
	}
}

// 7. Remaining standalone integers -> cardinal words.
func normaliseIntegers(text string) string {
	return integerRe.ReplaceAllStringFunc(text, func(m string) string {
		return cardinalWords(mustParseInt(m))
	})
}

// 8. Symbols: spoken equivalents; "#word" -> "hashtag word".
func normaliseSymbols(text string) string {
	text = hashWordRe.ReplaceAllString(text, "hashtag $1")
	replacer := strings.NewReplacer(
		"&", " and ",
		"@", " at ",
		"+", " plus ",
		"=", " equals ",
		"#", " number ",
	)
	return replacer.Replace(text)
}

// 9. Punctuation hygiene.
func normalisePunctuation(text string) string {
	text = ellipsisRe.ReplaceAllString(text, ",")
	text = semicolonRe.ReplaceAllString(text, ",")
	text = bracketRe.ReplaceAllString(text, " ")
	text = fancyQuoteRe.ReplaceAllString(text, "")
	text = removeStrayQuotes(text)
	text = markdownRe.ReplaceAllString(text, "")
	text = hyphenRe.ReplaceAllString(text, " ")
	// A sentence is the smallest TTS unit and always ends at one of . ! ? —
	// speaking that mark aloud would be wrong, so drop a trailing one.
	text = trailingEndRe.ReplaceAllString(text, "")
	return text
}

// removeStrayQuotes drops single quotes that are not word-internal (i.e. not
// flanked by a letter/digit on both sides), preserving contractions like
// "don't".
func removeStrayQuotes(text string) string {
	runes := []rune(text)
	var out strings.Builder
	for i, r := range runes {
		if r != '\'' {
			out.WriteRune(r)
			continue
		}
		prevOK := i > 0 && isWordRune(runes[i-1])
		nextOK := i < len(runes)-1 && isWordRune(runes[i+1])
		if prevOK && nextOK {
			out.WriteRune(r)
		}
	}
	return out.String()
}

func isWordRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// 10. Collapse whitespace, trim.
func collapseWhitespace(text string) string {
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func mustParseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
