package template

import (
	"strings"

	"github.com/clubmate/newsletter-backend/internal/model"
)

// Render personalizes a campaign body for one recipient. Pure string
// substitution, never fails; unknown placeholders pass through untouched.
func Render(body string, r model.Recipient) string {
	name := r.DisplayName
	if name == "" {
		name = localPart(r.Address)
	}
	out := strings.ReplaceAll(body, "{display_name}", name)
	out = strings.ReplaceAll(out, "{address}", r.Address)
	return out
}

func localPart(address string) string {
	if i := strings.IndexByte(address, '@'); i > 0 {
		return address[:i]
	}
	return address
}
