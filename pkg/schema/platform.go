// Package schema is the single authority for the canonical reporting
// vocabulary: platforms, ad types, network identities, and the parsing of
// numeric and delta values that arrive from heterogeneous reporting APIs.
// Every ingress (network API) and egress (partition file, alert payload)
// passes through the tables in this package so there is one place to audit.
package schema

import "strings"

// Platform is the closed set of operating systems the pipeline reports on.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Platforms returns the closed enumeration in canonical order.
func Platforms() []Platform {
	return []Platform{PlatformAndroid, PlatformIOS}
}

// platformAliases maps observed API spellings to a canonical platform.
// Keys are canonicalized with canonicalToken.
var platformAliases = map[string]Platform{
	"android":      PlatformAndroid,
	"googleplay":   PlatformAndroid,
	"google_play":  PlatformAndroid,
	"gp":           PlatformAndroid,
	"aos":          PlatformAndroid,
	"amazon":       PlatformAndroid,
	"fireos":       PlatformAndroid,
	"fire_os":      PlatformAndroid,
	"ios":          PlatformIOS,
	"iphone":       PlatformIOS,
	"ipad":         PlatformIOS,
	"itunes":       PlatformIOS,
	"appstore":     PlatformIOS,
	"app_store":    PlatformIOS,
	"apple":        PlatformIOS,
	"ios_appstore": PlatformIOS,
}

// NormalizePlatform maps a raw platform label to a canonical Platform. The
// second return reports whether the label was recognized; callers log and
// fall back to android when it was not, so every emitted row carries exactly
// one platform.
func NormalizePlatform(raw string) (Platform, bool) {
	if p, ok := platformAliases[canonicalToken(raw)]; ok {
		return p, true
	}
	return PlatformAndroid, false
}

// canonicalToken lowercases and strips separators so that "App Store",
// "APP_STORE" and "app-store" all hit the same table entry.
func canonicalToken(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '-', '.':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
