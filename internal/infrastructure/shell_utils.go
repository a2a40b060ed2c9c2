package infrastructure

import "strings"

// ShellEscape quotes s for display in a shell command line.
// It is only used when writing commands to the transfer log; exec.Command
// passes arguments verbatim.
func ShellEscape(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, isUnsafeShellRune) < 0 {
		return s
	}
	// ' becomes '"'"' inside a single-quoted word
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ShellEscapeCommand renders binary and args as one copy-pasteable command line
func ShellEscapeCommand(binary string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, ShellEscape(binary))
	for _, arg := range args {
		parts = append(parts, ShellEscape(arg))
	}
	return strings.Join(parts, " ")
}

// isUnsafeShellRune reports whether r needs quoting; letters, digits and _@%+=:,./- do not
func isUnsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("_@%+=:,./-", r):
		return false
	default:
		return true
	}
}
