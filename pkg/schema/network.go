package schema

// Network identifies an ad network in its canonical lowercase form. The
// canonical name is the join key for reconciliation, the column value in
// exported partitions, and the section key in configuration.
type Network string

const (
	NetworkAppLovin   Network = "applovin"
	NetworkAdMob      Network = "admob"
	NetworkMeta       Network = "meta"
	NetworkUnity      Network = "unity"
	NetworkIronSource Network = "ironsource"
	NetworkMintegral  Network = "mintegral"
	NetworkPangle     Network = "pangle"
	NetworkVungle     Network = "vungle"
	NetworkDTExchange Network = "dtexchange"
	NetworkInMobi     Network = "inmobi"
	NetworkChartboost Network = "chartboost"
	NetworkMoloco     Network = "moloco"
	NetworkBidMachine Network = "bidmachine"
	NetworkOgury      Network = "ogury"
)

// NetworkInfo carries per-network reporting traits. ReportingDelayDays is
// how many days behind "today" the network's stats become final;
// AllowPrevDayFallback marks networks whose freshest day may legitimately be
// empty, in which case reconciliation slides the lookup back one day.
type NetworkInfo struct {
	Display             string
	Icon                string
	ReportingDelayDays  int
	AllowPrevDayFallback bool
}

var networkInfos = map[Network]NetworkInfo{
	NetworkAppLovin:   {Display: "AppLovin", Icon: ":applovin:", ReportingDelayDays: 1},
	NetworkAdMob:      {Display: "AdMob", Icon: ":admob:", ReportingDelayDays: 1},
	NetworkMeta:       {Display: "Meta Audience Network", Icon: ":meta:", ReportingDelayDays: 1, AllowPrevDayFallback: true},
	NetworkUnity:      {Display: "Unity Ads", Icon: ":unity:", ReportingDelayDays: 1},
	NetworkIronSource: {Display: "ironSource", Icon: ":ironsource:", ReportingDelayDays: 1},
	NetworkMintegral:  {Display: "Mintegral", Icon: ":mintegral:", ReportingDelayDays: 2, AllowPrevDayFallback: true},
	NetworkPangle:     {Display: "Pangle", Icon: ":pangle:", ReportingDelayDays: 2, AllowPrevDayFallback: true},
	NetworkVungle:     {Display: "Vungle", Icon: ":vungle:", ReportingDelayDays: 1},
	NetworkDTExchange: {Display: "DT Exchange", Icon: ":dtexchange:", ReportingDelayDays: 2},
	NetworkInMobi:     {Display: "InMobi", Icon: ":inmobi:", ReportingDelayDays: 3},
	NetworkChartboost: {Display: "Chartboost", Icon: ":chartboost:", ReportingDelayDays: 1},
	NetworkMoloco:     {Display: "Moloco", Icon: ":moloco:", ReportingDelayDays: 1},
	NetworkBidMachine: {Display: "BidMachine", Icon: ":bidmachine:", ReportingDelayDays: 1},
	NetworkOgury:      {Display: "Ogury", Icon: ":ogury:", ReportingDelayDays: 2},
}

// Networks returns all canonical networks in stable display order.
func Networks() []Network {
	return []Network{
		NetworkAppLovin,
		NetworkAdMob,
		NetworkMeta,
		NetworkUnity,
		NetworkIronSource,
		NetworkMintegral,
		NetworkPangle,
		NetworkVungle,
		NetworkDTExchange,
		NetworkInMobi,
		NetworkChartboost,
		NetworkMoloco,
		NetworkBidMachine,
		NetworkOgury,
	}
}

// Info returns the reporting traits for a canonical network. Unknown
// networks get a zero-delay placeholder so callers never dereference nil.
func (n Network) Info() NetworkInfo {
	if info, ok := networkInfos[n]; ok {
		return info
	}
	return NetworkInfo{Display: string(n)}
}

// Display returns the human-readable network name used in alerts.
func (n Network) Display() string { return n.Info().Display }

// networkAliases maps every spelling observed in mediator reports and
// network dashboards to the canonical network. Keys are canonical tokens
// (see canonicalToken).
var networkAliases = map[string]Network{
	"applovin":           NetworkAppLovin,
	"applovin_exchange":  NetworkAppLovin,
	"applovin_network":   NetworkAppLovin,
	"applovin_max":       NetworkAppLovin,
	"max":                NetworkAppLovin,

	"admob":          NetworkAdMob,
	"admob_network":  NetworkAdMob,
	"google_admob":   NetworkAdMob,
	"googleadmob":    NetworkAdMob,
	"google_bidding": NetworkAdMob,
	"google":         NetworkAdMob,

	"meta":                   NetworkMeta,
	"facebook":               NetworkMeta,
	"facebook_network":       NetworkMeta,
	"meta_audience_network":  NetworkMeta,
	"facebook_audience_network": NetworkMeta,
	"fan":                    NetworkMeta,

	"unity":          NetworkUnity,
	"unity_ads":      NetworkUnity,
	"unity_network":  NetworkUnity,
	"unityads":       NetworkUnity,

	"ironsource":          NetworkIronSource,
	"iron_source":         NetworkIronSource,
	"ironsource_network":  NetworkIronSource,
	"ironsource_bidding":  NetworkIronSource,

	"mintegral":          NetworkMintegral,
	"mintegral_network":  NetworkMintegral,
	"mintegral_bidding":  NetworkMintegral,

	"pangle":              NetworkPangle,
	"pangle_network":      NetworkPangle,
	"pangle_bidding":      NetworkPangle,
	"tiktok":              NetworkPangle,
	"tiktok_network":      NetworkPangle,
	"bytedance":           NetworkPangle,

	"vungle":          NetworkVungle,
	"vungle_network":  NetworkVungle,
	"vungle_bidding":  NetworkVungle,
	"liftoff":         NetworkVungle,
	"liftoff_monetize": NetworkVungle,

	"dtexchange":   NetworkDTExchange,
	"dt_exchange":  NetworkDTExchange,
	"fyber":        NetworkDTExchange,
	"fyber_network": NetworkDTExchange,
	"digital_turbine": NetworkDTExchange,

	"inmobi":          NetworkInMobi,
	"inmobi_network":  NetworkInMobi,
	"inmobi_bidding":  NetworkInMobi,

	"chartboost":          NetworkChartboost,
	"chartboost_network":  NetworkChartboost,
	"chartboost_bidding":  NetworkChartboost,

	"moloco":          NetworkMoloco,
	"moloco_network":  NetworkMoloco,
	"moloco_bidding":  NetworkMoloco,

	"bidmachine":          NetworkBidMachine,
	"bid_machine":         NetworkBidMachine,
	"bidmachine_network":  NetworkBidMachine,

	"ogury":              NetworkOgury,
	"ogury_network":      NetworkOgury,
	"ogury_presage":      NetworkOgury,
	"ogury_thumbnail_ad": NetworkOgury,
}

// ResolveNetwork maps a raw network label to its canonical Network. The
// second return reports whether the label was recognized; unresolved labels
// are counted by the mediator fetcher rather than guessed at.
func ResolveNetwork(raw string) (Network, bool) {
	n, ok := networkAliases[canonicalToken(raw)]
	return n, ok
}
