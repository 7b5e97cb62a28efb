package api

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	maxStagedNameLength = 96
	fallbackStagedName  = "upload"
)

// sanitizeFilename reduces a client supplied filename to a short ASCII name
// that is safe to place in the staging directory. Accents are folded rather
// than dropped, so "Vidéo Été.mov" becomes "Video_Ete.mov".
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return fallbackStagedName
	}

	folding := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folding, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	cleaned := strings.Trim(b.String(), "._-")
	if cleaned == "" {
		return fallbackStagedName
	}
	if len(cleaned) > maxStagedNameLength {
		ext := path.Ext(cleaned)
		if len(ext) > 16 {
			ext = ""
		}
		cleaned = cleaned[:maxStagedNameLength-len(ext)] + ext
	}
	return cleaned
}
