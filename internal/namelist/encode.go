package namelist

import (
	"fmt"
	"io"
	"strings"
)

// Encode writes the document in namelist syntax.
func Encode(w io.Writer, doc *Document) error {
	for i, g := range doc.Groups() {
		if i > 0 {
			if _, err := fmt.Fprintln(w); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "&%s\n", g.Name); err != nil {
			return err
		}
		for _, key := range g.Keys() {
			vals, err := g.raw(key)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "\t%s = %s\n", key, strings.Join(vals, ", ")); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w, "&end"); err != nil {
			return err
		}
	}
	return nil
}

// Quote wraps a string value in double quotes for assignment into a group.
func Quote(s string) string {
	return `"` + s + `"`
}
