// Package ghimport fetches app packages from GitHub release assets so
// they can be published to the marketplace.
package ghimport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// defaultAPIBaseURL is GitHub's public API endpoint. Anything else is
// treated as a GitHub Enterprise base URL.
const defaultAPIBaseURL = "https://api.github.com"

// maxAssetSize caps release asset downloads.
const maxAssetSize = 256 << 20 // 256 MiB

// Package is a release asset downloaded from GitHub, ready for upload.
type Package struct {
	Repo  string // owner/repo
	Tag   string // release tag the asset came from
	Asset string // asset filename
	Data  []byte
}

// Importer downloads app packages from GitHub releases.
type Importer struct {
	client     *gogithub.Client
	downloader *http.Client // follows asset redirects to the CDN
	logger     *slog.Logger
}

// New creates an Importer. token may be empty for anonymous access to
// public repositories (lower rate limits apply). baseURL overrides the
// public API endpoint, e.g. for GitHub Enterprise.
func New(httpClient *http.Client, token, baseURL string, logger *slog.Logger) (*Importer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	client := gogithub.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" && baseURL != defaultAPIBaseURL {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base URL: %w", err)
		}
	}

	return &Importer{
		client:     client,
		downloader: httpClient,
		logger:     logger,
	}, nil
}

// splitRepo splits a "owner/repo" string into its two parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo %q: expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (im *Importer) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		im.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// Fetch downloads the app package asset from a release of repo
// ("owner/name"). An empty tag selects the latest release.
func (im *Importer) Fetch(ctx context.Context, repo, tag string) (*Package, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var release *gogithub.RepositoryRelease
	var resp *gogithub.Response
	if tag == "" {
		release, resp, err = im.client.Repositories.GetLatestRelease(ctx, owner, name)
	} else {
		release, resp, err = im.client.Repositories.GetReleaseByTag(ctx, owner, name, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("get release: %w", err)
	}
	im.checkRateLimit(resp)

	asset, err := pickAsset(release.Assets, name)
	if err != nil {
		return nil, fmt.Errorf("release %s: %w", release.GetTagName(), err)
	}

	im.logger.Info("downloading release asset",
		"repo", repo,
		"tag", release.GetTagName(),
		"asset", asset.GetName(),
		"size", asset.GetSize(),
	)

	rc, _, err := im.client.Repositories.DownloadReleaseAsset(ctx, owner, name, asset.GetID(), im.downloader)
	if err != nil {
		return nil, fmt.Errorf("download asset %s: %w", asset.GetName(), err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxAssetSize+1))
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", asset.GetName(), err)
	}
	if len(data) > maxAssetSize {
		return nil, fmt.Errorf("asset %s exceeds %d MiB limit", asset.GetName(), maxAssetSize>>20)
	}

	return &Package{
		Repo:  repo,
		Tag:   release.GetTagName(),
		Asset: asset.GetName(),
		Data:  data,
	}, nil
}

// pickAsset selects the app package from a release's assets: the .zip
// named after the repository wins, then any .zip containing the repo
// name, then the first .zip.
func pickAsset(assets []*gogithub.ReleaseAsset, repoName string) (*gogithub.ReleaseAsset, error) {
	var zips []*gogithub.ReleaseAsset
	for _, a := range assets {
		if strings.HasSuffix(a.GetName(), ".zip") {
			zips = append(zips, a)
		}
	}
	if len(zips) == 0 {
		return nil, fmt.Errorf("no .zip asset found")
	}

	for _, a := range zips {
		if a.GetName() == repoName+".zip" {
			return a, nil
		}
	}
	for _, a := range zips {
		if strings.Contains(a.GetName(), repoName) {
			return a, nil
		}
	}
	return zips[0], nil
}
