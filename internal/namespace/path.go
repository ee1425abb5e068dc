package namespace

import "strings"

// SplitPath normalizes a slash-separated path into segments relative to
// the caller's root. Absolute and relative forms resolve the same way:
// there is no working directory, every path starts at the root. ".." pops
// a segment and cannot escape the root.
func SplitPath(p string) []string {
	segs := []string{}
	for part := range strings.SplitSeq(p, "/") {
		switch part {
		case "", ".":
		case "..":
			if len(segs) > 0 {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, part)
		}
	}
	return segs
}

// JoinPath is the inverse of SplitPath for display: segments joined under
// a leading slash.
func JoinPath(segs []string) string {
	return "/" + strings.Join(segs, "/")
}
