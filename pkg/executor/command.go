package executor

import (
	"fmt"
	"sort"
	"strings"
)

// BuildCommand prefixes cmd with a working directory change and
// environment assignments. Values are single-quoted for the remote shell.
func BuildCommand(cmd string, env map[string]string, dir string) string {
	var b strings.Builder

	if dir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(dir))
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s ", k, shellQuote(env[k]))
	}

	b.WriteString(cmd)
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
