package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/wares"
	"github.com/nugget/wares/internal/config"
	"github.com/nugget/wares/internal/ghimport"
	"github.com/nugget/wares/internal/httpkit"
	"github.com/nugget/wares/internal/pack"
	"github.com/nugget/wares/internal/render"
)

// cliSetup loads config and builds a marketplace client for a one-shot
// command. Logs go to stderr at warn level so command output on stdout
// stays clean and scriptable.
func cliSetup(stderr io.Writer, configPath string) (*wares.Client, *config.Config, *slog.Logger, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := newLogger(stderr, slog.LevelWarn)

	client, err := cfg.Marketplace.Client(logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return client, cfg, logger, nil
}

// runList handles "wares list [--category <name>] [--visibility <v>]".
func runList(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	var filter wares.Filter
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--category" && i+1 < len(args):
			filter.Category = args[i+1]
			i++
		case args[i] == "--visibility" && i+1 < len(args):
			filter.Visibility = wares.Visibility(args[i+1])
			i++
		default:
			return fmt.Errorf("usage: wares list [--category <name>] [--visibility private|global]")
		}
	}

	client, _, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	apps, err := client.ListApps(ctx, &filter)
	if err != nil {
		return fmt.Errorf("list apps: %w", err)
	}
	return printApps(stdout, apps, outputFmt)
}

// runSearch handles "wares search <query> [--category <name>]". The
// query may span multiple arguments.
func runSearch(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	var filter wares.Filter
	var terms []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--category" && i+1 < len(args):
			filter.Category = args[i+1]
			i++
		default:
			terms = append(terms, args[i])
		}
	}
	if len(terms) == 0 {
		return fmt.Errorf("usage: wares search <query> [--category <name>]")
	}

	client, _, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	apps, err := client.SearchApps(ctx, strings.Join(terms, " "), &filter)
	if err != nil {
		return fmt.Errorf("search apps: %w", err)
	}
	return printApps(stdout, apps, outputFmt)
}

// printApps renders a result set as a table, or as JSON when requested.
func printApps(w io.Writer, apps []wares.App, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(apps)
	}

	if len(apps) == 0 {
		fmt.Fprintln(w, "No apps found.")
		return nil
	}

	fmt.Fprintf(w, "%-28s %-24s %-10s %-14s %s\n", "ID", "NAME", "VERSION", "CATEGORY", "DOWNLOADS")
	for _, app := range apps {
		fmt.Fprintf(w, "%-28s %-24s %-10s %-14s %d\n",
			app.ID, app.Name, app.Version, app.Category, app.Downloads)
	}
	return nil
}

// runInfo handles "wares info <id>": the marketplace listing, the
// packaging manifest's tool list, and the readme rendered for the
// terminal. "wares info --package <file.zip>" inspects a local package
// instead, without contacting the marketplace.
func runInfo(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	if args[0] == "--package" {
		if len(args) < 2 {
			return fmt.Errorf("usage: wares info --package <file.zip>")
		}
		return runInfoPackage(stdout, args[1])
	}
	id := args[0]

	client, _, logger, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	app, err := client.GetApp(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch app: %w", err)
	}

	// The manifest is supplemental; an app without one still prints.
	var manifest *wares.Manifest
	if m, err := client.GetManifest(ctx, id); err == nil {
		manifest = &m
	} else {
		logger.Debug("manifest unavailable", "app", id, "error", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			App      wares.App       `json:"app"`
			Manifest *wares.Manifest `json:"manifest,omitempty"`
		}{app, manifest})
	}

	fmt.Fprintf(stdout, "%s", app.Name)
	if app.Version != "" {
		fmt.Fprintf(stdout, " %s", app.Version)
	}
	fmt.Fprintf(stdout, " (%s)\n", app.ID)
	if app.Description != "" {
		fmt.Fprintln(stdout, app.Description)
	}
	fmt.Fprintln(stdout)

	for _, f := range []struct{ label, value string }{
		{"author", app.Author},
		{"category", app.Category},
		{"type", app.Type},
		{"visibility", string(app.Visibility)},
		{"homepage", app.Homepage},
	} {
		if f.value != "" {
			fmt.Fprintf(stdout, "  %-12s %s\n", f.label+":", f.value)
		}
	}
	if app.Downloads > 0 {
		fmt.Fprintf(stdout, "  %-12s %d\n", "downloads:", app.Downloads)
	}

	if manifest != nil && len(manifest.Tools) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Tools:")
		for _, t := range manifest.Tools {
			fmt.Fprintf(stdout, "  %-24s %s\n", t.Name, t.Description)
		}
	}

	if app.Readme != "" {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, render.Markdown(app.Readme))
	}
	return nil
}

// runInfoPackage prints a local package's manifest, validity, and
// contents. An invalid manifest is reported in the output rather than
// failing the command; inspection is how you find out what is wrong.
func runInfoPackage(w io.Writer, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read package: %w", err)
	}
	m, err := pack.ReadManifest(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s %s (%s app)\n", m.Name, m.Version, m.Type)
	if m.Description != "" {
		fmt.Fprintln(w, m.Description)
	}
	if err := pack.Validate(m); err != nil {
		fmt.Fprintf(w, "  %-10s %s\n", "invalid:", err)
	}
	fmt.Fprintf(w, "  %-10s %s\n", "blake2b:", pack.Checksum(data))

	if len(m.Tools) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Tools:")
		for _, t := range m.Tools {
			fmt.Fprintf(w, "  %-24s %s\n", t.Name, t.Description)
		}
	}

	entries, err := pack.Entries(data)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Contents:")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\n", e)
	}
	return nil
}

// runDownload handles "wares download <id> [--version <v>] [-o <file>]".
// The package is written to disk and its checksum printed so callers
// can verify or pin it.
func runDownload(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	var id, version, outPath string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--version" && i+1 < len(args):
			version = args[i+1]
			i++
		case args[i] == "-o" && i+1 < len(args):
			outPath = args[i+1]
			i++
		case !strings.HasPrefix(args[i], "-") && id == "":
			id = args[i]
		default:
			return fmt.Errorf("usage: wares download <id> [--version <v>] [-o <file>]")
		}
	}
	if id == "" {
		return fmt.Errorf("usage: wares download <id> [--version <v>] [-o <file>]")
	}

	client, _, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	pkg, err := client.DownloadApp(ctx, id, version)
	if err != nil {
		return fmt.Errorf("download app: %w", err)
	}

	if outPath == "" {
		outPath = strings.ReplaceAll(id, "/", "_") + ".zip"
	}
	if err := os.WriteFile(outPath, pkg, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}

	fmt.Fprintf(stdout, "Downloaded %s (%d bytes)\n", outPath, len(pkg))
	fmt.Fprintf(stdout, "  blake2b: %s\n", pack.Checksum(pkg))
	return nil
}

// runUpload handles "wares upload <file.zip> [--visibility <v>]". The
// package manifest is validated locally before anything leaves the
// machine.
func runUpload(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	var file string
	visibility := wares.VisibilityPrivate
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--visibility" && i+1 < len(args):
			visibility = wares.Visibility(args[i+1])
			i++
		case !strings.HasPrefix(args[i], "-") && file == "":
			file = args[i]
		default:
			return fmt.Errorf("usage: wares upload <file.zip> [--visibility private|global]")
		}
	}
	if file == "" {
		return fmt.Errorf("usage: wares upload <file.zip> [--visibility private|global]")
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read package: %w", err)
	}
	m, err := pack.ReadManifest(data)
	if err != nil {
		return err
	}
	if err := pack.Validate(m); err != nil {
		return err
	}

	client, _, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	app, err := client.UploadApp(ctx, data, filepath.Base(file), visibility)
	if err != nil {
		return fmt.Errorf("upload app: %w", err)
	}

	fmt.Fprintf(stdout, "Uploaded %s %s", m.Name, m.Version)
	if app.ID != "" {
		fmt.Fprintf(stdout, " (id %s)", app.ID)
	}
	fmt.Fprintln(stdout)
	return nil
}

// runPublish handles "wares publish <owner/repo> [--tag <tag>]
// [--visibility <v>]": fetch the package asset from a GitHub release
// and upload it to the marketplace in one step.
func runPublish(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	var repo, tag string
	visibility := wares.VisibilityPrivate
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--tag" && i+1 < len(args):
			tag = args[i+1]
			i++
		case args[i] == "--visibility" && i+1 < len(args):
			visibility = wares.Visibility(args[i+1])
			i++
		case !strings.HasPrefix(args[i], "-") && repo == "":
			repo = args[i]
		default:
			return fmt.Errorf("usage: wares publish <owner/repo> [--tag <tag>] [--visibility private|global]")
		}
	}
	if repo == "" {
		return fmt.Errorf("usage: wares publish <owner/repo> [--tag <tag>] [--visibility private|global]")
	}

	client, cfg, logger, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	// Release assets can run to hundreds of megabytes; the downloader
	// gets a generous deadline and retries refused dials.
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(5*time.Minute),
		httpkit.WithRetry(2, 2*time.Second),
		httpkit.WithLogger(logger),
	)
	importer, err := ghimport.New(httpClient, cfg.GitHub.Token, cfg.GitHub.URL, logger)
	if err != nil {
		return err
	}

	pkg, err := importer.Fetch(ctx, repo, tag)
	if err != nil {
		return fmt.Errorf("fetch release: %w", err)
	}

	m, err := pack.ReadManifest(pkg.Data)
	if err != nil {
		return fmt.Errorf("%s from %s@%s: %w", pkg.Asset, pkg.Repo, pkg.Tag, err)
	}
	if err := pack.Validate(m); err != nil {
		return err
	}

	app, err := client.UploadApp(ctx, pkg.Data, pkg.Asset, visibility)
	if err != nil {
		return fmt.Errorf("upload app: %w", err)
	}

	fmt.Fprintf(stdout, "Published %s %s from %s@%s", m.Name, m.Version, pkg.Repo, pkg.Tag)
	if app.ID != "" {
		fmt.Fprintf(stdout, " (id %s)", app.ID)
	}
	fmt.Fprintln(stdout)
	return nil
}

// runDelete handles "wares delete <id>".
func runDelete(ctx context.Context, stdout, stderr io.Writer, configPath, id string) error {
	client, _, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	if err := client.DeleteApp(ctx, id); err != nil {
		return fmt.Errorf("delete app: %w", err)
	}
	fmt.Fprintf(stdout, "Deleted %s\n", id)
	return nil
}

// runShare handles "wares share <id> [--png <file>]": prints the app's
// marketplace link as a scannable QR code, or writes it as a PNG.
func runShare(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	var id, pngPath string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--png" && i+1 < len(args):
			pngPath = args[i+1]
			i++
		case !strings.HasPrefix(args[i], "-") && id == "":
			id = args[i]
		default:
			return fmt.Errorf("usage: wares share <id> [--png <file>]")
		}
	}
	if id == "" {
		return fmt.Errorf("usage: wares share <id> [--png <file>]")
	}

	client, _, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	// Confirm the app exists before handing out a link to it.
	app, err := client.GetApp(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch app: %w", err)
	}

	shareURL := client.BaseURL() + "/apps/" + url.PathEscape(id)

	if pngPath != "" {
		if err := qrcode.WriteFile(shareURL, qrcode.Medium, 256, pngPath); err != nil {
			return fmt.Errorf("write QR code: %w", err)
		}
		fmt.Fprintf(stdout, "Wrote %s\n", pngPath)
	} else {
		qr, err := qrcode.New(shareURL, qrcode.Medium)
		if err != nil {
			return fmt.Errorf("build QR code: %w", err)
		}
		fmt.Fprint(stdout, qr.ToSmallString(false))
	}

	fmt.Fprintf(stdout, "%s: %s\n", app.Name, shareURL)
	return nil
}
