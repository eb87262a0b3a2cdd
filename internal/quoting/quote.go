// Package quoting implements POSIX single-quote shell escaping for the
// paths embedded in generated freeze scripts.
package quoting

import "strings"

// Quote wraps s in single quotes, escaping any embedded single quote as
// '\'' so that `sh -c "printf %s " + Quote(s)` reproduces s exactly regardless
// of its contents (spaces, globs, other quotes).
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
