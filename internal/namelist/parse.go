package namelist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseFile reads and parses the namelist file at path.
func ParseFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("namelist: %w", err)
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("namelist: %s: %w", path, err)
	}
	return doc, nil
}

// Parse reads a namelist document from r.
func Parse(r io.Reader) (*Document, error) {
	doc := &Document{}
	var cur *Group

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "&"):
			name := strings.TrimSpace(line[1:])
			if strings.EqualFold(name, "end") {
				if cur == nil {
					return nil, fmt.Errorf("line %d: &end outside a group", lineno)
				}
				cur = nil
				continue
			}
			if cur != nil {
				return nil, fmt.Errorf("line %d: group &%s opened inside &%s", lineno, name, cur.Name)
			}
			if name == "" {
				return nil, fmt.Errorf("line %d: empty group name", lineno)
			}
			cur = doc.AddGroup(name)

		case line == "/":
			if cur == nil {
				return nil, fmt.Errorf("line %d: / outside a group", lineno)
			}
			cur = nil

		default:
			if cur == nil {
				return nil, fmt.Errorf("line %d: assignment outside a group: %q", lineno, line)
			}
			if err := parseAssignments(cur, line); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineno, err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, fmt.Errorf("group &%s never closed", cur.Name)
	}
	return doc, nil
}

// stripComment drops a trailing ! comment, keeping ! characters that sit
// inside quoted strings.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '!':
			return line[:i]
		}
	}
	return line
}

// parseAssignments handles one line of the form
//
//	key = v [, v ...] [, key2 = v ...]
//
// Several assignments may share a line; commas and whitespace both separate
// values.
func parseAssignments(g *Group, line string) error {
	toks, err := tokenize(line)
	if err != nil {
		return err
	}
	i := 0
	for i < len(toks) {
		key := toks[i]
		if key == "=" {
			return fmt.Errorf("malformed assignment %q", line)
		}
		if i+1 >= len(toks) || toks[i+1] != "=" {
			return fmt.Errorf("malformed assignment %q", line)
		}
		i += 2

		var values []string
		for i < len(toks) {
			// A bare token directly followed by "=" begins the next
			// assignment on the same line.
			if i+1 < len(toks) && toks[i+1] == "=" {
				break
			}
			if toks[i] == "=" {
				return fmt.Errorf("malformed assignment %q", line)
			}
			values = append(values, toks[i])
			i++
		}
		if len(values) == 0 {
			return fmt.Errorf("key %q has no value", key)
		}
		if err := assign(g, key, values); err != nil {
			return err
		}
	}
	return nil
}

func assign(g *Group, key string, values []string) error {
	if open := strings.IndexByte(key, '('); open >= 0 {
		end := strings.IndexByte(key, ')')
		if end != len(key)-1 || end < open {
			return fmt.Errorf("malformed array index in %q", key)
		}
		base := strings.TrimSpace(key[:open])
		idx := strings.TrimSpace(key[open+1 : end])
		if len(values) != 1 {
			return fmt.Errorf("indexed key %q(%s) wants a single value", base, idx)
		}
		return g.appendIndexed(base, idx, values[0])
	}
	g.Set(key, values...)
	return nil
}

// appendIndexed grows the key's value list; indices must arrive 1-based and
// contiguous.
func (g *Group) appendIndexed(key, index, value string) error {
	k := strings.ToLower(key)
	want := fmt.Sprintf("%d", len(g.vals[k])+1)
	if index != want {
		return fmt.Errorf("indexed key %q(%s): indices must start at 1 and be contiguous", key, index)
	}
	if _, ok := g.vals[k]; !ok {
		g.keys = append(g.keys, k)
	}
	g.vals[k] = append(g.vals[k], value)
	return nil
}

// tokenize splits a line into quoted strings, "=" signs, and bare words.
// Commas and whitespace separate tokens and are discarded.
func tokenize(line string) ([]string, error) {
	var (
		out   []string
		buf   strings.Builder
		quote byte
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0:
			buf.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			buf.WriteByte(c)
		case c == ',' || c == ' ' || c == '\t':
			flush()
		case c == '=':
			flush()
			out = append(out, "=")
		default:
			buf.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string in %q", line)
	}
	flush()
	return out, nil
}
