// Package deobfuscate implements the Deobfuscation Pipeline (spec.md
// §4.7): pre-check against a known-missing cache, first-segment fetch +
// magic-byte sniffing, PAR2 file-description correlation, and size
// resolution, producing a []model.FileInfo ready for the File Processors.
package deobfuscate

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	hexPattern32  = regexp.MustCompile(`^[a-f0-9]{32}$`)
	hexPattern40  = regexp.MustCompile(`^[a-f0-9.]{40,}$`)
	hex30Pattern  = regexp.MustCompile(`[a-f0-9]{30}`)
	bracketWords  = regexp.MustCompile(`\[\w+\]`)
)

// IsProbablyObfuscated reports whether a filename (or full path) appears
// to be a randomly-generated obfuscated name rather than a meaningful
// release name. Grounded verbatim on the teacher's
// internal/importer/deobfuscate_filename.go heuristic (itself translated
// from an upstream Python reference): default outcome is "obfuscated"
// unless a clear not-obfuscated pattern matches.
func IsProbablyObfuscated(input string) bool {
	filename := filepath.Base(input)
	ext := filepath.Ext(filename)
	basename := strings.TrimSuffix(filename, ext)
	if basename == "" {
		return true
	}

	if hexPattern32.MatchString(basename) {
		return true
	}
	if hexPattern40.MatchString(basename) {
		return true
	}
	if hex30Pattern.MatchString(basename) && len(bracketWords.FindAllString(basename, -1)) >= 2 {
		return true
	}
	if strings.HasPrefix(basename, "abc.xyz") {
		return true
	}

	var digits, uppers, lowers, spaceLike int
	for _, r := range basename {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsUpper(r):
			uppers++
		case unicode.IsLower(r):
			lowers++
		}
		if r == ' ' || r == '.' || r == '_' {
			spaceLike++
		}
	}

	if uppers >= 2 && lowers >= 2 && spaceLike >= 1 {
		return false
	}
	if spaceLike >= 3 {
		return false
	}
	if (uppers+lowers) >= 4 && digits >= 4 && spaceLike >= 1 {
		return false
	}
	firstRune, _ := utf8.DecodeRuneInString(basename)
	if unicode.IsUpper(firstRune) && lowers > 2 && float64(uppers)/float64(lowers) <= 0.25 {
		return false
	}

	return true
}
