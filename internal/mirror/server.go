package mirror

import "strings"

// ServerPath is the repository layout pacman substitutes into Server lines.
const ServerPath = "$repo/os/$arch"

// ServerURL returns u in Server-directive form. Catalog base URLs are
// extended with ServerPath; URLs that already carry $repo are unchanged.
func ServerURL(u string) string {
	if strings.Contains(u, "$repo") {
		return u
	}
	return strings.TrimRight(u, "/") + "/" + ServerPath
}
