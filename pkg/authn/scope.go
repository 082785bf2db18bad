package authn

import "strings"

// scopesOf reads OAuth scopes from the "scope" claim (space separated string
// or list) or, failing that, the "scp" claim some providers use.
func scopesOf(claims map[string]any) []string {
	for _, name := range []string{"scope", "scp"} {
		switch v := claims[name].(type) {
		case nil:
			continue
		case string:
			return strings.Fields(v)
		default:
			return stringList(v)
		}
	}
	return nil
}

// HasAnyScope reports whether p was granted at least one of required.
// An empty list matches.
func (p Principal) HasAnyScope(required []string) bool {
	if len(required) == 0 {
		return true
	}
	if len(p.Scopes) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(p.Scopes))
	for _, s := range p.Scopes {
		set[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
