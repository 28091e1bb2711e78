package runner

import (
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/lootfox/revmatch/pkg/config"
	"github.com/lootfox/revmatch/pkg/fetcher"
	"github.com/lootfox/revmatch/pkg/fetcher/applovin"
	"github.com/lootfox/revmatch/pkg/fetcher/networks"
	"github.com/lootfox/revmatch/pkg/schema"
	"github.com/lootfox/revmatch/pkg/tokencache"
)

// buildFetchers constructs one adapter per enabled network. A network whose
// block cannot produce an adapter (missing credentials) is returned in bad
// rather than failing the whole run; it shows up as failed in the summary.
func buildFetchers(log *slog.Logger, clock clockwork.Clock, cfg *config.Config, tokens *tokencache.Store) (fetchers []fetcher.Fetcher, bad map[schema.Network]error) {
	bad = make(map[schema.Network]error)
	for _, network := range cfg.EnabledNetworks() {
		f, err := buildFetcher(log, clock, cfg, tokens, network)
		if err != nil {
			bad[network] = err
			continue
		}
		fetchers = append(fetchers, f)
	}
	return fetchers, bad
}

func buildFetcher(log *slog.Logger, clock clockwork.Clock, cfg *config.Config, tokens *tokencache.Store, network schema.Network) (fetcher.Fetcher, error) {
	nc := cfg.Network(network)
	switch network {
	case schema.NetworkAppLovin:
		return applovin.NewDemand(applovin.DemandConfig{
			Logger: log, Clock: clock,
			APIKey: cfg.Mediator.APIKey,
		})
	case schema.NetworkAdMob:
		return networks.NewAdMob(networks.AdMobConfig{
			Logger: log, Clock: clock, Tokens: tokens,
			ClientID: nc.ClientID, ClientSecret: nc.ClientSecret,
			RefreshToken: nc.RefreshToken, PublisherID: nc.PublisherID,
			AppIDs: nc.AppIDs, AdUnitAdTypes: nc.AdUnitAdTypes, TimeZone: nc.TimeZone,
		})
	case schema.NetworkMeta:
		return networks.NewMeta(networks.MetaConfig{
			Logger: log, Clock: clock,
			AccessToken: nc.AccessToken, BusinessID: nc.BusinessID,
		})
	case schema.NetworkUnity:
		return networks.NewUnity(networks.UnityConfig{
			Logger: log, Clock: clock,
			APIKey: nc.APIKey, OrganizationID: nc.Organization,
		})
	case schema.NetworkIronSource:
		return networks.NewIronSource(networks.IronSourceConfig{
			Logger: log, Clock: clock, Tokens: tokens,
			SecretKey: nc.SecretKey, RefreshToken: nc.RefreshToken,
		})
	case schema.NetworkMintegral:
		return networks.NewMintegral(networks.MintegralConfig{
			Logger: log, Clock: clock,
			AccessKey: nc.AccessKey, APIKey: nc.APIKey,
		})
	case schema.NetworkPangle:
		return networks.NewPangle(networks.PangleConfig{
			Logger: log, Clock: clock,
			UserID: nc.UserID, SecureKey: nc.Secret, RoleID: nc.RoleID,
		})
	case schema.NetworkVungle:
		return networks.NewVungle(networks.VungleConfig{
			Logger: log, Clock: clock,
			APIKey: nc.APIKey,
		})
	case schema.NetworkDTExchange:
		return networks.NewDTExchange(networks.DTExchangeConfig{
			Logger: log, Clock: clock, Tokens: tokens,
			ClientID: nc.ClientID, ClientSecret: nc.ClientSecret,
		})
	case schema.NetworkInMobi:
		secret := nc.SecretKey
		if secret == "" {
			secret = nc.APIKey
		}
		return networks.NewInMobi(networks.InMobiConfig{
			Logger: log, Clock: clock, Tokens: tokens,
			UserName: nc.UserName, SecretKey: secret, Password: nc.Password,
		})
	case schema.NetworkChartboost:
		return networks.NewChartboost(networks.ChartboostConfig{
			Logger: log, Clock: clock,
			UserID: nc.UserID, UserSignature: nc.UserSignature,
			AppIDs: nc.AppIDs,
		})
	case schema.NetworkMoloco:
		return networks.NewMoloco(networks.MolocoConfig{
			Logger: log, Clock: clock, Tokens: tokens,
			Email: nc.Email, Password: nc.Password, PlatformID: nc.PlatformID,
		})
	case schema.NetworkBidMachine:
		key := nc.Secret
		if key == "" {
			key = nc.APIKey
		}
		return networks.NewBidMachine(networks.BidMachineConfig{
			Logger: log, Clock: clock,
			SellerKey: key,
		})
	case schema.NetworkOgury:
		return networks.NewOgury(networks.OguryConfig{
			Logger: log, Clock: clock,
			APIKey: nc.APIKey, PublisherID: nc.PublisherID,
			AssetIDs: nc.AssetIDs,
		})
	default:
		return nil, fmt.Errorf("no adapter for network %s", network)
	}
}
