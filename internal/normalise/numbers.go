package normalise

import "strings"

var ones = [...]string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var tens = [...]string{
	"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
}

var onesOrdinal = [...]string{
	"zeroth", "first", "second", "third", "fourth", "fifth", "sixth", "seventh",
	"eighth", "ninth", "tenth", "eleventh", "twelfth", "thirteenth", "fourteenth",
	"fifteenth", "sixteenth", "seventeenth", "eighteenth", "nineteenth",
}

var tensOrdinal = [...]string{
	"", "", "twentieth", "thirtieth", "fortieth", "fiftieth", "sixtieth",
	"seventieth", "eightieth", "ninetieth",
}

var scales = [...]string{"", "thousand", "million", "billion"}

// cardinalWords spells out a non-negative integer in words.
func cardinalWords(n int64) string {
	if n == 0 {
		return "zero"
	}
	var groups []int64
	for n > 0 {
		groups = append(groups, n%1000)
		n /= 1000
	}
	var parts []string
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		if g == 0 {
			continue
		}
		words := threeDigitWords(g)
		if scales[i] != "" {
			words += " " + scales[i]
		}
		parts = append(parts, words)
	}
	return strings.Join(parts, " ")
}

// threeDigitWords spells out an integer in [0,999].
func threeDigitWords(n int64) string {
	var parts []string
	if n >= 100 {
		parts = append(parts, ones[n/100], "hundred")
		n %= 100
	}
	if n >= 20 {
		t := tens[n/10]
		if n%10 != 0 {
			t += "-" + ones[n%10]
		}
		parts = append(parts, t)
	} else if n > 0 {
		parts = append(parts, ones[n])
	}
	return strings.Join(parts, " ")
}

// ordinalWords spells out a non-negative integer as an ordinal, e.g. 123 ->
// "one hundred twenty-third".
func ordinalWords(n int64) string {
	if n < 20 {
		return onesOrdinal[n]
	}
	if n < 100 {
		if n%10 == 0 {
			return tensOrdinal[n/10]
		}
		return tens[n/10] + "-" + onesOrdinal[n%10]
	}
	// Render everything but the last 1-2 digits as cardinal, then the
	// remainder as ordinal.
	cardinalPart := n - n%100
	remainder := n % 100
	if remainder == 0 {
		// e.g. 100th -> "hundredth" preceded by the scale cardinal.
		base := cardinalWords(cardinalPart)
		return strings.TrimSuffix(base, "hundred") + "hundredth"
	}
	base := cardinalWords(cardinalPart)
	return base + " " + ordinalWords(remainder)
}
