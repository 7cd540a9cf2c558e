// Package rewrite transforms the matched request path before forwarding,
// substituting numbered capture group placeholders from the matcher into
// the rewrite template of a rule.
package rewrite

import (
	"strconv"
	"strings"

	"github.com/dimfeld/httppath"
	log "github.com/sirupsen/logrus"

	"github.com/ingrid-io/ingrid/rule"
)

// Rewrite returns the outgoing path for a matched request. Without a
// rewrite template the path is returned unchanged. With a template, $1,
// $2, ... and ${n} placeholders are substituted with the corresponding
// capture group of the path match; a missing group substitutes the empty
// string and is logged as a likely misconfiguration. The result is cleaned
// so that no .. segment survives.
//
// The substitution depends only on the template and the captures, so
// applying it again to an already rewritten path yields the same result.
func Rewrite(path string, r *rule.Rule, captures []string) string {
	if r == nil || r.RewriteTemplate == "" {
		return path
	}

	out := expand(r.RewriteTemplate, r, captures)
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}

	return httppath.Clean(out)
}

// expand substitutes the numbered placeholders of a template. Placeholder
// $0 refers to the full match.
func expand(template string, r *rule.Rule, captures []string) string {
	var sb strings.Builder
	for i := 0; i < len(template); i++ {
		c := template[i]
		if c != '$' || i == len(template)-1 {
			sb.WriteByte(c)
			continue
		}

		rest := template[i+1:]
		braced := rest[0] == '{'
		if braced {
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				sb.WriteByte(c)
				continue
			}

			rest = rest[1:end]
			i += end + 1
		} else {
			end := 0
			for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
				end++
			}

			rest = rest[:end]
			i += end
		}

		n, err := strconv.Atoi(rest)
		if err != nil {
			// not a numbered placeholder, keep the text
			sb.WriteByte(c)
			sb.WriteString(rest)
			continue
		}

		if n >= len(captures) {
			log.Warnf("rewrite template of rule %s references missing capture group %d", r.ID, n)
			continue
		}

		sb.WriteString(captures[n])
	}

	return sb.String()
}
