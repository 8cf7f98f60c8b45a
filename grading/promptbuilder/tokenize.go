/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package promptbuilder

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// walkTemplate copies template to the output, replacing each {{name}} with
// resolve(name). Replacements are not rescanned.
func walkTemplate(template string, resolve func(name string) (string, error)) (string, error) {
	var out strings.Builder
	out.Grow(len(template))

	for {
		start := strings.Index(template, "{{")
		if start == -1 {
			out.WriteString(template)
			return out.String(), nil
		}
		out.WriteString(template[:start])

		end := strings.Index(template[start:], "}}")
		if end == -1 {
			return "", errors.New("unclosed binding: missing '}}'")
		}
		end += start + 2

		name := strings.TrimSpace(template[start+2 : end-2])
		if !isValidIdentifier(name) {
			return "", fmt.Errorf("invalid binding identifier %q", name)
		}
		replacement, err := resolve(name)
		if err != nil {
			return "", err
		}
		out.WriteString(replacement)
		template = template[end:]
	}
}

// isValidIdentifier accepts a letter followed by letters, digits or underscores.
func isValidIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case unicode.IsLetter(r):
		case i > 0 && (unicode.IsDigit(r) || r == '_'):
		default:
			return false
		}
	}
	return s != ""
}
