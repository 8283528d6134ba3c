package config

import (
	"fmt"
	"os"
	"strings"
)

// loadScripts reads each SQL file, expands {{schema}} to the target schema
// and splits the text into statements.
func (c *Config) loadScripts(files []string, phase string) ([]string, error) {
	var stmts []string
	for _, f := range files {
		data, err := os.ReadFile(c.ResolvePath(f))
		if err != nil {
			return nil, fmt.Errorf("hook %s: read %s: %w", phase, f, err)
		}
		sql := strings.ReplaceAll(string(data), "{{schema}}", c.Target.Schema)
		stmts = append(stmts, SplitStatements(sql)...)
	}
	return stmts, nil
}

// SplitStatements splits SQL text on semicolons. Semicolons inside quoted
// strings, quoted identifiers and dollar-quoted bodies do not split; comments
// are dropped and empty statements skipped.
func SplitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var quote byte
	dollarTag := ""

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case dollarTag != "":
			if strings.HasPrefix(sql[i:], dollarTag) {
				current.WriteString(dollarTag)
				i += len(dollarTag) - 1
				dollarTag = ""
				continue
			}
			current.WriteByte(c)
		case quote != 0:
			current.WriteByte(c)
			if c == quote {
				// doubled quote is an escaped quote
				if i+1 < len(sql) && sql[i+1] == quote {
					current.WriteByte(c)
					i++
				} else {
					quote = 0
				}
			}
		case c == '\'' || c == '"':
			quote = c
			current.WriteByte(c)
		case c == '$':
			if tag, ok := dollarQuote(sql, i); ok {
				dollarTag = tag
				current.WriteString(tag)
				i += len(tag) - 1
				continue
			}
			current.WriteByte(c)
		case strings.HasPrefix(sql[i:], "--"):
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			current.WriteByte('\n')
		case strings.HasPrefix(sql[i:], "/*"):
			i = skipBlockComment(sql, i)
			current.WriteByte(' ')
		case c == ';':
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return stmts
}

// skipBlockComment returns the index of the last byte of the (possibly
// nested) comment starting at i.
func skipBlockComment(sql string, i int) int {
	depth := 0
	for ; i < len(sql); i++ {
		switch {
		case strings.HasPrefix(sql[i:], "/*"):
			depth++
			i++
		case strings.HasPrefix(sql[i:], "*/"):
			depth--
			i++
			if depth == 0 {
				return i
			}
		}
	}
	return len(sql) - 1
}

// dollarQuote reports the $tag$ opening a dollar-quoted body at i.
func dollarQuote(sql string, i int) (string, bool) {
	j := i + 1
	for j < len(sql) && (sql[j] == '_' || isAlpha(sql[j]) || (j > i+1 && sql[j] >= '0' && sql[j] <= '9')) {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return sql[i : j+1], true
	}
	return "", false
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
