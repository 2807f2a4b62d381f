package storage

import (
	"fmt"
	"strings"
	"time"
)

// formatSQLForLog interpolates positional parameters into a query for debug
// logging only; the result is never executed.
func formatSQLForLog(query string, args ...any) string {
	if strings.TrimSpace(query) == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	argIdx := 0
	for _, ch := range query {
		if ch == '?' && argIdx < len(args) {
			b.WriteString(formatSQLArg(args[argIdx]))
			argIdx++
			continue
		}
		b.WriteRune(ch)
	}
	if argIdx < len(args) {
		b.WriteString(" /* args:")
		for i := argIdx; i < len(args); i++ {
			if i > argIdx {
				b.WriteString(",")
			}
			b.WriteString(" " + formatSQLArg(args[i]))
		}
		b.WriteString(" */")
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func formatSQLArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteSQL(v)
	case []byte:
		return quoteSQL(string(v))
	case time.Time:
		return quoteSQL(v.UTC().Format(time.RFC3339))
	case fmt.Stringer:
		return quoteSQL(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
