package content

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	entityPattern      = regexp.MustCompile(`&(#[xX][0-9a-fA-F]{1,6}|#[0-9]{1,7}|[a-zA-Z][a-zA-Z0-9]{1,31});`)
	horizontalSpaces   = regexp.MustCompile(` {2,}`)
	spacesAroundBreaks = regexp.MustCompile(` *\n *`)
	blankLines         = regexp.MustCompile(`\n{3,}`)
	leadingNumbers     = regexp.MustCompile(`^(?:[0-9]{1,3}[ \t]*\n+)+`)
)

var namedEntities = map[string]string{
	"amp": "&", "lt": "<", "gt": ">", "quot": `"`, "apos": "'",
	"nbsp": " ", "ensp": " ", "emsp": " ", "thinsp": " ",
	"zwnj": "", "zwj": "", "shy": "", "lrm": "", "rlm": "",
	"copy": "©", "reg": "®", "trade": "™", "deg": "°",
	"hellip": "…", "mdash": "—", "ndash": "–", "minus": "−",
	"lsquo": "‘", "rsquo": "’", "sbquo": "‚", "ldquo": "“", "rdquo": "”", "bdquo": "„",
	"laquo": "«", "raquo": "»", "lsaquo": "‹", "rsaquo": "›",
	"bull": "•", "middot": "·", "sect": "§", "para": "¶", "dagger": "†",
	"euro": "€", "pound": "£", "yen": "¥", "cent": "¢", "curren": "¤",
	"times": "×", "divide": "÷", "plusmn": "±", "frac12": "½", "frac14": "¼", "frac34": "¾",
	"iexcl": "¡", "iquest": "¿", "larr": "←", "rarr": "→", "uarr": "↑", "darr": "↓",
	"check": "✓", "hearts": "♥", "star": "☆",
	"agrave": "à", "aacute": "á", "acirc": "â", "atilde": "ã", "auml": "ä", "aring": "å",
	"ccedil": "ç", "egrave": "è", "eacute": "é", "ecirc": "ê", "euml": "ë",
	"igrave": "ì", "iacute": "í", "icirc": "î", "iuml": "ï", "ntilde": "ñ",
	"ograve": "ò", "oacute": "ó", "ocirc": "ô", "otilde": "õ", "ouml": "ö", "oslash": "ø",
	"ugrave": "ù", "uacute": "ú", "ucirc": "û", "uuml": "ü", "yacute": "ý", "szlig": "ß",
	"Agrave": "À", "Aacute": "Á", "Auml": "Ä", "Eacute": "É", "Ouml": "Ö", "Uuml": "Ü", "Ntilde": "Ñ",
}

// decodeEntities resolves named and numeric character references in one
// pass. Unknown names are left as written.
func decodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := match[1 : len(match)-1]
		if ref[0] != '#' {
			if decoded, ok := namedEntities[ref]; ok {
				return decoded
			}
			return match
		}
		var (
			code int64
			err  error
		)
		if ref[1] == 'x' || ref[1] == 'X' {
			code, err = strconv.ParseInt(ref[2:], 16, 32)
		} else {
			code, err = strconv.ParseInt(ref[1:], 10, 32)
		}
		if err != nil || code <= 0 || code > unicode.MaxRune || (code >= 0xD800 && code <= 0xDFFF) {
			return string(utf8.RuneError)
		}
		if code == 0xA0 {
			return " "
		}
		return string(rune(code))
	})
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', '\u200C', '\u200D', '\u200E', '\u200F', '\u2060', '\uFEFF', '\u00AD', '\u034F', '\u180E':
		return true
	}
	return false
}

// scrubRunes drops zero-width and control characters and folds the
// remaining whitespace variants to a plain space. Newlines survive.
func scrubRunes(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t':
			return ' '
		case isZeroWidth(r):
			return -1
		case r < 0x20 || r == 0x7F || (r >= 0x80 && r <= 0x9F):
			return -1
		case r == placeholderOpen || r == placeholderClose:
			return r
		case unicode.IsSpace(r):
			return ' '
		}
		return r
	}, s)
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// normalizeText is the full cleanup applied to extracted body text.
func normalizeText(s string) string {
	s = decodeEntities(s)
	s = normalizeNewlines(s)
	s = scrubRunes(s)
	s = horizontalSpaces.ReplaceAllString(s, " ")
	s = spacesAroundBreaks.ReplaceAllString(s, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)
	return leadingNumbers.ReplaceAllString(s, "")
}

// normalizeLabel flattens anchor text to a single line.
func normalizeLabel(s string) string {
	s = scrubRunes(normalizeNewlines(decodeEntities(s)))
	return strings.Join(strings.Fields(s), " ")
}

// reducedCleanup is used on the fallback path, where the body could not
// be trusted to go through the full pipeline.
func reducedCleanup(s string) string {
	s = scrubRunes(normalizeNewlines(decodeEntities(placeholderScrubber.Replace(s))))
	return strings.TrimSpace(s)
}
