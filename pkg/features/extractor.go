// Package features encodes a process-creation event into a fixed, named
// numeric feature vector for model inference. Extraction is pure and
// deterministic: the same event always yields the same map, missing optional
// fields are treated as empty strings, and the stored raw strings are never
// mutated (lowercasing happens on local copies only).
package features

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/lucid-vigil/warden/pkg/model"
)

// lolbinProcesses is the fixed set of well-known dual-use Windows binaries.
var lolbinProcesses = map[string]bool{
	"powershell.exe": true, "cmd.exe": true, "wmic.exe": true, "certutil.exe": true,
	"regsvr32.exe": true, "mshta.exe": true, "rundll32.exe": true, "cscript.exe": true,
	"wscript.exe": true, "bitsadmin.exe": true, "schtasks.exe": true, "sc.exe": true,
	"net.exe": true, "netstat.exe": true, "tasklist.exe": true, "whoami.exe": true,
}

// suspiciousPatterns are known attack idioms, matched case-insensitively
// anywhere in the command line.
var suspiciousPatterns = compileAll([]string{
	`-enc|-e |-encodedcommand`,
	`base64`,
	`bypass|hidden|noprofile`,
	`iex|invoke-expression`,
	`downloadstring|downloadfile`,
	`frombase64string`,
	`new-object.*net\.webclient`,
	`wmi.*process.*create`,
	`reg.*add.*run`,
	`schtasks.*create.*\*`,
	`certutil.*-urlcache`,
	`bitsadmin.*transfer`,
})

var (
	encodedCommandRe = regexp.MustCompile(`-enc|-e |-encodedcommand|base64`)
	registryOpRe     = regexp.MustCompile(`reg.*add|reg.*delete|reg.*query`)
	urlRe            = regexp.MustCompile(`https?://|ftp://`)
	// Loose digit-dot shape, not a validated IPv4. 999.999.999.999 matches;
	// kept that way for parity with artifacts trained on the same behavior.
	ipShapeRe = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	networkActivityRes = compileAll([]string{
		`http://|https://|ftp://`,
		`net\.webclient|downloadstring|downloadfile`,
		`wget|curl|invoke-webrequest`,
		`bitsadmin|certutil.*urlcache`,
	})
	fileOperationRes = compileAll([]string{
		`copy|move|del|rmdir|mkdir`,
		`type|cat|more|less`,
		`out-file|set-content|add-content`,
	})
	processCreationRes = compileAll([]string{
		`start-process|start|invoke-item`,
		`wmi.*process.*create`,
		`cmd.*/c|powershell.*-command`,
	})
)

const (
	rareChars    = "~`!@#$%^&*()_+-=[]{}|;:,.<>?"
	specialChars = "!@#$%^&*()_+-=[]{}|;:,.<>?/~`"

	highEntropyThreshold = 4.5
	longArgumentLength   = 100
)

func compileAll(patterns []string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, regexp.MustCompile(`(?i)`+p))
	}
	return res
}

// featureNames is the canonical ordered contract, computed once by running
// the extractor against an all-empty event. Model artifacts trained against
// this order stay valid even if new features are appended later, because
// providers re-order vectors into their own frozen name list.
var featureNames = buildFeatureNames()

// Extract computes the feature map for one event. It is total: an event with
// every field empty still yields the full canonical feature set with
// zero/false defaults.
func Extract(ev model.Event) map[string]float64 {
	commandLine := strings.ToLower(ev.CommandLine)
	processName := strings.ToLower(ev.ProcessName)
	parentImage := strings.ToLower(ev.ParentImage)

	f := make(map[string]float64, len(featureNames))

	// Lexical
	f["command_line_length"] = float64(len(commandLine))
	f["command_line_token_count"] = float64(len(strings.Fields(commandLine)))
	f["has_parent_process"] = boolFeature(parentImage != "")

	// Process identity
	f["is_lolbin_process"] = boolFeature(lolbinProcesses[processName])
	f["is_powershell"] = boolFeature(strings.Contains(processName, "powershell"))
	f["is_cmd"] = boolFeature(strings.Contains(processName, "cmd"))
	f["is_wmic"] = boolFeature(strings.Contains(processName, "wmic"))
	f["is_scripting"] = boolFeature(containsAny(processName, "cscript", "wscript", "mshta"))

	// Command line idioms
	f["suspicious_pattern_count"] = countSuspiciousPatterns(commandLine)
	f["has_encoded_command"] = boolFeature(encodedCommandRe.MatchString(commandLine))
	f["has_network_activity"] = boolFeature(matchesAny(networkActivityRes, commandLine))
	f["has_file_operation"] = boolFeature(matchesAny(fileOperationRes, commandLine))
	f["has_registry_operation"] = boolFeature(registryOpRe.MatchString(commandLine))
	f["has_process_creation"] = boolFeature(matchesAny(processCreationRes, commandLine))

	// Information density
	f["command_line_entropy"] = Entropy(commandLine)
	f["has_high_entropy"] = boolFeature(f["command_line_entropy"] > highEntropyThreshold)
	f["rare_char_count"] = countChars(commandLine, rareChars)
	f["digit_ratio"] = digitRatio(commandLine)
	f["uppercase_ratio"] = uppercaseRatio(commandLine)
	f["special_char_ratio"] = specialCharRatio(commandLine)

	// Network literals
	f["has_url"] = boolFeature(urlRe.MatchString(commandLine))
	f["has_ip_address"] = boolFeature(ipShapeRe.MatchString(commandLine))

	// Parentage
	f["parent_is_explorer"] = boolFeature(strings.Contains(parentImage, "explorer"))
	f["parent_is_svchost"] = boolFeature(strings.Contains(parentImage, "svchost"))
	f["parent_is_services"] = boolFeature(strings.Contains(parentImage, "services"))
	f["parent_is_lolbin"] = boolFeature(parentImage != "" && containsAnyKey(parentImage, lolbinProcesses))

	// Principal context. These are independent substring tests, not a one-hot
	// enumeration: all three integrity flags can be false at once.
	user := strings.ToLower(ev.User)
	integrity := strings.ToLower(ev.IntegrityLevel)
	f["is_system_user"] = boolFeature(strings.Contains(user, "system") || strings.Contains(user, "nt authority"))
	f["is_high_integrity"] = boolFeature(strings.Contains(integrity, "high"))
	f["is_medium_integrity"] = boolFeature(strings.Contains(integrity, "medium"))
	f["is_low_integrity"] = boolFeature(strings.Contains(integrity, "low"))

	// Argument shape
	f["argument_count"] = argumentCount(commandLine)
	f["has_long_arguments"] = boolFeature(hasLongArguments(commandLine))

	// Temporal placeholders, always emitted and always zero. Deployed model
	// artifacts were trained against zeroed temporal inputs; filling in real
	// values would silently shift every prediction.
	f["hour_of_day"] = 0.0
	f["day_of_week"] = 0.0

	return f
}

// Names returns the canonical feature order. The slice is a fresh copy; the
// order is stable across calls and matches the key set of every Extract
// result.
func Names() []string {
	out := make([]string, len(featureNames))
	copy(out, featureNames)
	return out
}

func buildFeatureNames() []string {
	// The canonical order is the insertion order of Extract. Go maps do not
	// preserve it, so the list is written out explicitly and verified against
	// an all-empty extraction in the package tests.
	return []string{
		"command_line_length",
		"command_line_token_count",
		"has_parent_process",
		"is_lolbin_process",
		"is_powershell",
		"is_cmd",
		"is_wmic",
		"is_scripting",
		"suspicious_pattern_count",
		"has_encoded_command",
		"has_network_activity",
		"has_file_operation",
		"has_registry_operation",
		"has_process_creation",
		"command_line_entropy",
		"has_high_entropy",
		"rare_char_count",
		"digit_ratio",
		"uppercase_ratio",
		"special_char_ratio",
		"has_url",
		"has_ip_address",
		"parent_is_explorer",
		"parent_is_svchost",
		"parent_is_services",
		"parent_is_lolbin",
		"is_system_user",
		"is_high_integrity",
		"is_medium_integrity",
		"is_low_integrity",
		"argument_count",
		"has_long_arguments",
		"hour_of_day",
		"day_of_week",
	}
}

// Vector realizes a feature map into the given name order, substituting 0.0
// for any name absent from the map. This is the indirection that keeps old
// model artifacts valid when the extractor gains features.
func Vector(f map[string]float64, order []string) []float64 {
	v := make([]float64, len(order))
	for i, name := range order {
		v[i] = f[name]
	}
	return v
}

// Entropy returns the Shannon entropy (base 2) of text with spaces stripped.
func Entropy(text string) float64 {
	text = strings.ReplaceAll(text, " ", "")
	if text == "" {
		return 0.0
	}

	counts := make(map[rune]int)
	total := 0
	for _, r := range text {
		counts[r]++
		total++
	}

	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func countSuspiciousPatterns(commandLine string) float64 {
	count := 0
	for _, re := range suspiciousPatterns {
		if re.MatchString(commandLine) {
			count++
		}
	}
	return float64(count)
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsAnyKey(s string, keys map[string]bool) bool {
	for k := range keys {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func countChars(text, set string) float64 {
	count := 0
	for _, r := range text {
		if strings.ContainsRune(set, r) {
			count++
		}
	}
	return float64(count)
}

func digitRatio(text string) float64 {
	if text == "" {
		return 0.0
	}
	digits := 0
	total := 0
	for _, r := range text {
		if unicode.IsDigit(r) {
			digits++
		}
		total++
	}
	return float64(digits) / float64(total)
}

// uppercaseRatio operates on the already-lowered command line, so it is zero
// in practice. Artifacts were trained with the feature behaving this way.
func uppercaseRatio(text string) float64 {
	letters := 0
	upper := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0.0
	}
	return float64(upper) / float64(letters)
}

func specialCharRatio(text string) float64 {
	if text == "" {
		return 0.0
	}
	total := 0
	special := 0
	for _, r := range text {
		if strings.ContainsRune(specialChars, r) {
			special++
		}
		total++
	}
	return float64(special) / float64(total)
}

func argumentCount(commandLine string) float64 {
	parts := strings.Fields(commandLine)
	if len(parts) > 0 {
		parts = parts[1:]
	}
	return float64(len(parts))
}

func hasLongArguments(commandLine string) bool {
	parts := strings.Fields(commandLine)
	if len(parts) <= 1 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) > longArgumentLength {
			return true
		}
	}
	return false
}
