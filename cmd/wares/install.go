package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/wares/internal/config"
	"github.com/nugget/wares/internal/pack"
	"github.com/nugget/wares/internal/registry"
)

// dataPaths resolves the data directory, creates it, and returns it
// along with the install registry database path inside it.
func dataPaths(cfg *config.Config) (string, string, error) {
	dataDir, err := cfg.ResolvedDataDir()
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create data directory %s: %w", dataDir, err)
	}
	return dataDir, filepath.Join(dataDir, "wares.db"), nil
}

// runInstall handles "wares install <id>": add the app to the account,
// download its package, and record the install locally with the
// package checksum and the tool server endpoint.
func runInstall(ctx context.Context, stdout, stderr io.Writer, configPath, id string) error {
	client, cfg, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	_, dbPath, err := dataPaths(cfg)
	if err != nil {
		return err
	}
	reg, err := registry.Open(dbPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	app, err := client.GetApp(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch app: %w", err)
	}

	res, err := client.AddAppToAccount(ctx, id)
	if err != nil {
		return fmt.Errorf("add to account: %w", err)
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "marketplace declined the request"
		}
		return fmt.Errorf("add to account: %s", msg)
	}

	pkg, err := client.DownloadApp(ctx, id, "")
	if err != nil {
		return fmt.Errorf("download app: %w", err)
	}
	checksum := pack.Checksum(pkg)

	// The server endpoint comes from the provisioned server when the
	// marketplace created one, else from the packaging manifest.
	var serverURL string
	if res.Server != nil {
		serverURL = res.Server.URL
	}
	if serverURL == "" {
		if m, err := client.GetManifest(ctx, id); err == nil {
			serverURL = m.URL
		}
	}

	if _, err := reg.Add(ctx, registry.Install{
		AppID:     id,
		Name:      app.Name,
		Version:   app.Version,
		Checksum:  checksum,
		ServerURL: serverURL,
	}); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Installed %s %s\n", app.Name, app.Version)
	if serverURL != "" {
		fmt.Fprintf(stdout, "  %-10s %s\n", "server:", serverURL)
	}
	fmt.Fprintf(stdout, "  %-10s %s\n", "blake2b:", checksum)
	if res.Message != "" {
		fmt.Fprintf(stdout, "  %-10s %s\n", "note:", res.Message)
	}
	return nil
}

// runUpgrade handles "wares upgrade <id>": re-download an installed
// app's current package and update the recorded version and checksum.
// The account association is unchanged; only the local record moves.
func runUpgrade(ctx context.Context, stdout, stderr io.Writer, configPath, id string) error {
	client, cfg, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	_, dbPath, err := dataPaths(cfg)
	if err != nil {
		return err
	}
	reg, err := registry.Open(dbPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	ins, err := reg.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrNotInstalled) {
			return fmt.Errorf("%s is not installed", id)
		}
		return err
	}

	app, err := client.GetApp(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch app: %w", err)
	}
	if app.Version == ins.Version {
		fmt.Fprintf(stdout, "%s is up to date (%s)\n", id, ins.Version)
		return nil
	}

	pkg, err := client.DownloadApp(ctx, id, "")
	if err != nil {
		return fmt.Errorf("download app: %w", err)
	}
	checksum := pack.Checksum(pkg)

	if err := reg.SetVersion(ctx, id, app.Version, checksum); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Upgraded %s %s to %s\n", app.Name, ins.Version, app.Version)
	fmt.Fprintf(stdout, "  %-10s %s\n", "blake2b:", checksum)
	return nil
}

// runUninstall handles "wares uninstall <id>". It only removes the
// local registry record; the marketplace account is untouched.
func runUninstall(ctx context.Context, stdout, stderr io.Writer, configPath, id string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	_, dbPath, err := dataPaths(cfg)
	if err != nil {
		return err
	}
	reg, err := registry.Open(dbPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.Remove(ctx, id); err != nil {
		if errors.Is(err, registry.ErrNotInstalled) {
			return fmt.Errorf("%s is not installed", id)
		}
		return err
	}

	fmt.Fprintf(stdout, "Uninstalled %s\n", id)
	return nil
}

// runInstalled handles "wares installed": lists the local registry.
func runInstalled(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	_, dbPath, err := dataPaths(cfg)
	if err != nil {
		return err
	}
	reg, err := registry.Open(dbPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	installs, err := reg.List(ctx)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(installs)
	}

	if len(installs) == 0 {
		fmt.Fprintln(stdout, "No apps installed.")
		return nil
	}

	fmt.Fprintf(stdout, "%-28s %-24s %-10s %s\n", "APP ID", "NAME", "VERSION", "INSTALLED")
	for _, ins := range installs {
		fmt.Fprintf(stdout, "%-28s %-24s %-10s %s\n",
			ins.AppID, ins.Name, ins.Version, ins.InstalledAt.Format("2006-01-02"))
	}
	return nil
}

// runHealth handles "wares health <id>": one probe of the app's tool
// server through the marketplace.
func runHealth(ctx context.Context, stdout, stderr io.Writer, configPath, id string) error {
	client, _, _, err := cliSetup(stderr, configPath)
	if err != nil {
		return err
	}

	h, err := client.GetAppHealth(ctx, id)
	if err != nil {
		return fmt.Errorf("check health: %w", err)
	}

	if h.Healthy {
		fmt.Fprintf(stdout, "%s: healthy", id)
		if h.Latency != nil {
			fmt.Fprintf(stdout, " (%.0f ms)", *h.Latency)
		}
		fmt.Fprintln(stdout)
		return nil
	}

	fmt.Fprintf(stdout, "%s: unhealthy", id)
	if h.Error != "" {
		fmt.Fprintf(stdout, ": %s", h.Error)
	}
	fmt.Fprintln(stdout)
	return nil
}
