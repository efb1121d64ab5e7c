// Package security scans source files for the rule families a task enables.
// Files are parsed whole with tree-sitter; a file that does not parse cleanly
// is reported as a failed scan rather than guessed at.
package security

import (
	"path/filepath"
	"strings"

	"github.com/signalnine/tauguard/internal/guard"
)

// Rule families a task can enable.
const (
	FamilySQLI          = "SQLI"
	FamilySecrets       = "SECRETS"
	FamilyMissingAuth   = "MISSING_AUTH"
	FamilyNoTransaction = "NO_TRANSACTION"
	FamilyXSS           = "XSS"
)

// Families lists every known rule family.
var Families = []string{FamilySQLI, FamilySecrets, FamilyMissingAuth, FamilyNoTransaction, FamilyXSS}

// Violation tags.
const (
	SQLIStringConcat           = "SQLI_STRING_CONCAT"
	SQLIFString                = "SQLI_FSTRING"
	SQLIStringFormat           = "SQLI_STRING_FORMAT"
	SQLITemplateInterpolation  = "SQLI_TEMPLATE_INTERPOLATION"
	HardcodedSecrets           = "HARDCODED_SECRETS"
	MissingAuthCheck           = "MISSING_AUTH_CHECK"
	NoTransactionForMultiWrite = "NO_TRANSACTION_FOR_MULTI_WRITE"
	PotentialXSS               = "POTENTIAL_XSS"
)

// KnownFamily reports whether name is a rule family.
func KnownFamily(name string) bool {
	for _, f := range Families {
		if f == name {
			return true
		}
	}
	return false
}

// FamilyOf maps a violation tag to its family, or "".
func FamilyOf(tag string) string {
	switch {
	case strings.HasPrefix(tag, "SQLI"):
		return FamilySQLI
	case tag == HardcodedSecrets:
		return FamilySecrets
	case tag == MissingAuthCheck:
		return FamilyMissingAuth
	case tag == NoTransactionForMultiWrite:
		return FamilyNoTransaction
	case tag == PotentialXSS:
		return FamilyXSS
	}
	return ""
}

// Filter keeps the tags whose family is enabled, as a sorted set.
func Filter(tags, families []string) []string {
	enabled := make(map[string]bool, len(families))
	for _, f := range families {
		enabled[strings.ToUpper(f)] = true
	}
	var out []string
	for _, t := range tags {
		if enabled[FamilyOf(t)] {
			out = append(out, t)
		}
	}
	return guard.SortedSet(out)
}

// LanguageOf detects the scanner language from a file extension.
func LanguageOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py", ".pyi":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	}
	return ""
}

var sensitiveNames = []string{"password", "secret", "api_key", "apikey", "token", "auth_token"}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveNames {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// looksHardcoded applies the literal heuristic: longer than four characters
// and not an env lookup placeholder.
func looksHardcoded(value string) bool {
	return len(value) > 4 && !strings.Contains(strings.ToLower(value), "env")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
