// Package networks contains one fetcher per ad network. Each adapter owns
// its network's authentication mode, request shape, and response parsing,
// and funnels transport through the shared retrying HTTP client. Dimension
// values never leave an adapter raw: platforms, ad types, and numbers all
// pass through the canonical schema tables before accumulation.
package networks
