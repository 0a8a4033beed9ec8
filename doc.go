// Package wares is a client for the wares marketplace API: a catalog
// of installable apps that wrap local or remote tool servers. The
// client covers listing, searching, fetching, downloading, publishing,
// deleting, health-checking, and account provisioning of apps.
//
// Every operation is one request/response round trip. The client
// attaches an x-user-id identity header and at most one authentication
// header (x-api-key wins over a bearer token), bounds each call with
// the configured timeout, and maps failures to [*APIError] values
// carrying the server's message and status. Nothing is retried and
// nothing is cached; callers own all policy above a single call.
//
// Construction takes a [Config]:
//
//	client, err := wares.New(wares.Config{
//		BaseURL: "https://market.example.net",
//		APIKey:  os.Getenv("WARES_API_KEY"),
//	})
//
// or an injected [Source] for hosts that discover settings themselves:
//
//	client, err := wares.New(wares.FromSource(wares.EnvSource{}))
package wares
