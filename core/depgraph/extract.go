package depgraph

import (
	"regexp"
	"strings"
)

// languageOf maps a file extension to the graph's language tag.
func languageOf(path string) string {
	switch {
	case strings.HasSuffix(path, ".ts"), strings.HasSuffix(path, ".tsx"):
		return "ts"
	case strings.HasSuffix(path, ".js"), strings.HasSuffix(path, ".jsx"):
		return "js"
	case strings.HasSuffix(path, ".py"):
		return "py"
	default:
		return ""
	}
}

var (
	jsImportFrom   = regexp.MustCompile(`(?:import|export)\s[^;\n]*?\sfrom\s+["']([^"']+)["']`)
	jsBareImport   = regexp.MustCompile(`^\s*import\s+["']([^"']+)["']`)
	jsRequireCall  = regexp.MustCompile(`\brequire\(\s*["']([^"']+)["']\s*\)`)
	jsDynamicImport = regexp.MustCompile(`\bimport\(\s*["']([^"']+)["']\s*\)`)

	pyImportModule = regexp.MustCompile(`^\s*import\s+([A-Za-z0-9_.]+)`)
	pyFromImport   = regexp.MustCompile(`^\s*from\s+([A-Za-z0-9_.]+)\s+import\s`)
)

// extractImports performs a line-oriented lexical scan for module
// strings, skipping comment lines. It never parses string concatenation
// or variable import arguments, per the spec's lexical-only contract.
func extractImports(language, content string) []string {
	switch language {
	case "ts", "js":
		return extractJSImports(content)
	case "py":
		return extractPyImports(content)
	default:
		return nil
	}
}

func extractJSImports(content string) []string {
	var modules []string
	inBlockComment := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if inBlockComment {
			if idx := strings.Index(trimmed, "*/"); idx >= 0 {
				inBlockComment = false
				trimmed = trimmed[idx+2:]
			} else {
				continue
			}
		}
		if strings.HasPrefix(trimmed, "//") {
			continue
		}
		if strings.HasPrefix(trimmed, "/*") {
			if idx := strings.Index(trimmed, "*/"); idx < 0 {
				inBlockComment = true
				continue
			}
		}
		if strings.HasPrefix(trimmed, "*") {
			continue
		}
		if m := jsImportFrom.FindStringSubmatch(trimmed); m != nil {
			modules = append(modules, m[1])
			continue
		}
		if m := jsBareImport.FindStringSubmatch(trimmed); m != nil {
			modules = append(modules, m[1])
			continue
		}
		for _, m := range jsRequireCall.FindAllStringSubmatch(trimmed, -1) {
			modules = append(modules, m[1])
		}
		for _, m := range jsDynamicImport.FindAllStringSubmatch(trimmed, -1) {
			modules = append(modules, m[1])
		}
	}
	return modules
}

func extractPyImports(content string) []string {
	var modules []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if m := pyFromImport.FindStringSubmatch(trimmed); m != nil {
			modules = append(modules, m[1])
			continue
		}
		if m := pyImportModule.FindStringSubmatch(trimmed); m != nil {
			modules = append(modules, m[1])
		}
	}
	return modules
}
