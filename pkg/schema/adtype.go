package schema

import "strings"

// AdType is the closed set of placement formats the pipeline reports on.
type AdType string

const (
	AdTypeBanner       AdType = "banner"
	AdTypeInterstitial AdType = "interstitial"
	AdTypeRewarded     AdType = "rewarded"
)

// AdTypes returns the closed enumeration in canonical order.
func AdTypes() []AdType {
	return []AdType{AdTypeBanner, AdTypeInterstitial, AdTypeRewarded}
}

// adTypeAliases maps observed format labels to a canonical ad type. The
// mediator-independent "video" label is handled separately in
// NormalizeAdType because its meaning depends on the incentivized flag.
var adTypeAliases = map[string]AdType{
	"banner":          AdTypeBanner,
	"banners":         AdTypeBanner,
	"mrec":            AdTypeBanner,
	"medium_rectangle": AdTypeBanner,
	"native":          AdTypeBanner,
	"native_banner":   AdTypeBanner,
	"native_ads":      AdTypeBanner,
	"adaptive_banner": AdTypeBanner,
	"leader":          AdTypeBanner,

	"interstitial":               AdTypeInterstitial,
	"interstitials":              AdTypeInterstitial,
	"inter":                      AdTypeInterstitial,
	"int":                        AdTypeInterstitial,
	"regular":                    AdTypeInterstitial,
	"fullscreen":                 AdTypeInterstitial,
	"full_screen":                AdTypeInterstitial,
	"app_open":                   AdTypeInterstitial,
	"appopen":                    AdTypeInterstitial,
	"non_skippable_interstitial": AdTypeInterstitial,
	"static_interstitial":        AdTypeInterstitial,

	"rewarded":              AdTypeRewarded,
	"reward":                AdTypeRewarded,
	"rewarded_interstitial": AdTypeRewarded,
	"rewarded_video":        AdTypeRewarded,
	"rewarded_videos":       AdTypeRewarded,
	"rewardedvideo":         AdTypeRewarded,
	"rv":                    AdTypeRewarded,
	"skippable_video":       AdTypeRewarded,
	"non_skippable_video":   AdTypeRewarded,
}

// NormalizeAdType maps a raw format label to a canonical AdType.
// incentivized disambiguates the bare "video" label, which some networks use
// for both rewarded and interstitial video placements. Labels with an
// "incentivized" prefix always resolve to rewarded. The second return
// reports whether the label was recognized.
func NormalizeAdType(raw string, incentivized bool) (AdType, bool) {
	token := canonicalToken(raw)
	if token == "video" || token == "videos" {
		if incentivized {
			return AdTypeRewarded, true
		}
		return AdTypeInterstitial, true
	}
	if strings.HasPrefix(token, "incentivized") {
		return AdTypeRewarded, true
	}
	if t, ok := adTypeAliases[token]; ok {
		return t, true
	}
	return "", false
}
