package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"modman/internal/app"
	"modman/internal/config"
	"modman/internal/modpack"
	"modman/internal/thumbnail"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a ModApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Apply", "Install").
func newApp(cmd *cobra.Command, operation string, params ...string) (*app.ModApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.NewModApp(cfg, operation, app.Options{Verbose: verbose}, params...)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// interruptible returns a context cancelled on Ctrl-C. Running tasks stop
// between packages.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

var rootCmd = &cobra.Command{
	Use:          "modman",
	Short:        "Package based mod manager",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Location Dir:  %s\n", cfg.LocationDir)
		fmt.Printf("Batch Dir:     %s\n", cfg.BatchDir)
		fmt.Printf("State:         %s\n", cfg.State.Type)
		fmt.Printf("Backup:        %s (compress %q)\n", cfg.Backup.Type, cfg.Backup.Compress)
		fmt.Printf("Engine:        workers=%d method=%s level=%s\n", cfg.Engine.Workers, cfg.Engine.Method, cfg.Engine.Level)
		fmt.Printf("Protected:     %s\n", strings.Join(cfg.Conflicts.Protected, ", "))
		return nil
	},
}

// location command
var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Manage locations",
}

var locationAddCmd = &cobra.Command{
	Use:   "add TITLE DESTINATION LIBRARY BACKUP",
	Short: "Add a location",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "AddLocation", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		paths, err := absPaths(args[1:])
		if err != nil {
			return err
		}
		loc, err := a.AddLocation(args[0], paths[0], paths[1], paths[2])
		if err != nil {
			return err
		}
		fmt.Printf("Added location %s (%s)\n", loc.Title, loc.UUID)
		return nil
	},
}

var locationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List locations",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListLocations")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.Locations()) == 0 {
			fmt.Println("No locations configured.")
			return nil
		}
		for _, l := range a.Locations() {
			fmt.Printf("%-20s  %s\n", l.Title, l.Destination)
		}
		return nil
	},
}

var locationStatusCmd = &cobra.Command{
	Use:   "status LOCATION",
	Short: "Show applied and available packages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Status", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(args[0])
		if err != nil {
			return err
		}
		loc := st.Location
		fmt.Printf("Location:     %s (%s)\n", loc.Title, loc.UUID)
		fmt.Printf("Destination:  %s\n", loc.Destination)
		fmt.Printf("Library:      %s\n", loc.Library)
		fmt.Printf("Backup:       %s\n", loc.Backup)
		if st.AccessErr != nil {
			fmt.Printf("Access:       %v\n", st.AccessErr)
		}
		if st.CurrentBatch != "" {
			fmt.Printf("Batch:        %s\n", st.CurrentBatch)
		}
		fmt.Printf("Backup data:  %v\n\n", st.HasBackup)

		applied := make(map[uint64]bool, len(st.Applied))
		for _, id := range st.Applied {
			applied[id.Hash] = true
		}
		for _, p := range st.Library {
			mark := " "
			if applied[p.Hash()] {
				mark = "A"
			}
			fmt.Printf("%s %s  %-30s  %s\n", mark, modpack.FormatHash(p.Hash()), p.Ident(), p.CategoryOrDefault())
		}
		for _, id := range st.Applied {
			if !inLibrary(st.Library, id.Hash) {
				fmt.Printf("! %s  %-30s  (not in library)\n", id.HashString(), id.Name)
			}
		}
		return nil
	},
}

var locationHistoryCmd = &cobra.Command{
	Use:   "history LOCATION",
	Short: "View operation history of a location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "History", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(args[0], limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-10s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

var locationPurgeCmd = &cobra.Command{
	Use:   "purge LOCATION",
	Short: "Restore all backups and remove every applied package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Purge", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := interruptible()
		defer stop()

		p := newProgress(os.Stdout)
		res, err := a.Purge(ctx, args[0], p.options())
		p.done()
		if err != nil {
			return err
		}
		return report(args[0], res)
	},
}

var locationSnapshotCmd = &cobra.Command{
	Use:   "snapshot LOCATION FILE",
	Short: "Copy the state database of a location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "SnapshotState", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SnapshotState(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("State written to %s\n", args[1])
		return nil
	},
}

// pkg command
var pkgCmd = &cobra.Command{
	Use:   "pkg",
	Short: "Inspect and build packages",
}

var pkgInfoCmd = &cobra.Command{
	Use:   "info PATH",
	Short: "Show package metadata and entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, _ := cmd.Flags().GetBool("entries")

		p, err := modpack.ParseSource(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Ident:        %s\n", p.Ident())
		fmt.Printf("Name:         %s\n", p.DisplayName())
		if v := p.Version(); v != "" {
			fmt.Printf("Version:      %s\n", v)
		}
		fmt.Printf("Hash:         %s\n", modpack.FormatHash(p.Hash()))
		fmt.Printf("Category:     %s\n", p.CategoryOrDefault())
		if !p.IsFolder() {
			fmt.Printf("Method:       %s\n", p.Method())
		}
		if p.Description != "" {
			fmt.Printf("Description:  %s\n", p.Description)
		}
		if len(p.Depends) > 0 {
			fmt.Printf("Depends:      %s\n", strings.Join(p.Depends, ", "))
		}
		if p.Thumbnail != nil {
			fmt.Printf("Thumbnail:    %dx%d\n", p.Thumbnail.Width, p.Thumbnail.Height)
		}
		fmt.Printf("Entries:      %d\n", len(p.Entries()))

		if entries {
			fmt.Println()
			for _, e := range p.Entries() {
				if e.IsDir() {
					fmt.Printf("%12s  %s/\n", "", e.Path)
					continue
				}
				fmt.Printf("%12d  %s\n", e.Size, e.Path)
			}
		}
		return nil
	},
}

var pkgCreateCmd = &cobra.Command{
	Use:   "create FOLDER",
	Short: "Build a package container from a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := app.PackageSpec{Source: strings.TrimRight(args[0], string(os.PathSeparator))}
		spec.Output, _ = cmd.Flags().GetString("output")
		spec.Method, _ = cmd.Flags().GetString("method")
		spec.Level, _ = cmd.Flags().GetString("level")
		spec.Category, _ = cmd.Flags().GetString("category")
		spec.Description, _ = cmd.Flags().GetString("description")
		spec.Depends, _ = cmd.Flags().GetStringSlice("depends")
		spec.Thumbnail, _ = cmd.Flags().GetString("thumbnail")

		a, err := newApp(cmd, "CreatePackage", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		p := newProgress(os.Stdout)
		pkg, err := a.CreatePackage(spec, p.saveFunc(spec.Source))
		p.done()
		if err != nil {
			return err
		}
		fmt.Printf("Created %s (%s)\n", pkg.Source(), modpack.FormatHash(pkg.Hash()))
		return nil
	},
}

var pkgThumbCmd = &cobra.Command{
	Use:   "thumb PATH OUTPUT.png",
	Short: "Export the embedded thumbnail of a package",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := modpack.ParseSource(args[0])
		if err != nil {
			return err
		}
		if p.Thumbnail == nil {
			return errors.New("package has no thumbnail")
		}
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		if err := thumbnail.EncodePNG(f, p.Thumbnail); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	},
}

var pkgListCmd = &cobra.Command{
	Use:   "list LOCATION",
	Short: "List the packages in a location's library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListPackages", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		loc, err := a.FindLocation(args[0])
		if err != nil {
			return err
		}
		pkgs, err := loc.ScanLibrary()
		if err != nil {
			return err
		}
		if len(pkgs) == 0 {
			fmt.Println("Library is empty.")
			return nil
		}
		for _, p := range pkgs {
			fmt.Printf("%s  %-30s  %-10s  %s\n", modpack.FormatHash(p.Hash()), p.DisplayName(), p.Version(), p.CategoryOrDefault())
		}
		return nil
	},
}

// batch command
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage batches",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create TITLE",
	Short: "Create an empty batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, _ := cmd.Flags().GetInt("index")

		a, err := newApp(cmd, "CreateBatch", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		b, err := a.CreateBatch(args[0], index)
		if err != nil {
			return err
		}
		fmt.Printf("Created batch %s (%s)\n", b.Title(), b.UUID())
		return nil
	},
}

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListBatches")
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.Batches()) == 0 {
			fmt.Println("No batches defined.")
			return nil
		}
		for _, b := range a.Batches() {
			fmt.Printf("%3d  %-20s", b.Index(), b.Title())
			for _, uuid := range b.Locations() {
				name := uuid
				if loc, err := a.FindLocation(uuid); err == nil {
					name = loc.Title
				}
				fmt.Printf("  %s:%d", name, len(b.Installed(uuid)))
			}
			fmt.Println()
		}
		return nil
	},
}

var batchRenameCmd = &cobra.Command{
	Use:   "rename BATCH TITLE",
	Short: "Rename a batch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RenameBatch", args...)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.RenameBatch(args[0], args[1])
	},
}

var batchSetCmd = &cobra.Command{
	Use:   "set BATCH LOCATION [PACKAGE...]",
	Short: "Set the packages a batch installs at a location",
	Long: "Set the packages a batch installs at a location. Packages are library " +
		"idents or hashes. With --current, the packages applied now are used.",
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		current, _ := cmd.Flags().GetBool("current")

		a, err := newApp(cmd, "SetBatch", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		if current {
			return a.SnapshotBatch(args[0], args[1])
		}
		return a.SetBatchTarget(args[0], args[1], args[2:])
	},
}

var batchApplyCmd = &cobra.Command{
	Use:   "apply BATCH [LOCATION]",
	Short: "Make locations match a batch",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Apply", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		locName := ""
		if len(args) == 2 {
			locName = args[1]
		}

		ctx, stop := interruptible()
		defer stop()

		p := newProgress(os.Stdout)
		results, err := a.Apply(ctx, args[0], locName, p.options())
		p.done()
		var errs []error
		for name, res := range results {
			errs = append(errs, report(name, res))
		}
		if err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	},
}

// install command
var installCmd = &cobra.Command{
	Use:   "install LOCATION PACKAGE",
	Short: "Apply one package from the library",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Install", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := interruptible()
		defer stop()

		p := newProgress(os.Stdout)
		res, err := a.Install(ctx, args[0], args[1], p.options())
		p.done()
		if err != nil {
			return err
		}
		return report(args[0], res)
	},
}

// uninstall command
var uninstallCmd = &cobra.Command{
	Use:   "uninstall LOCATION PACKAGE",
	Short: "Remove one applied package",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Uninstall", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := interruptible()
		defer stop()

		p := newProgress(os.Stdout)
		res, err := a.Uninstall(ctx, args[0], args[1], p.options())
		p.done()
		if err != nil {
			return err
		}
		return report(args[0], res)
	},
}

// repo command
var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage package repositories",
}

var repoAddCmd = &cobra.Command{
	Use:   "add LOCATION NAME URL",
	Short: "Register a repository index with a location",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "AddRepository", args...)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.AddRepository(args[0], args[1], args[2])
	},
}

var repoCheckCmd = &cobra.Command{
	Use:   "check LOCATION",
	Short: "List repository packages missing from the library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "CheckRepositories", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := interruptible()
		defer stop()

		statuses, err := a.CheckRepositories(ctx, args[0])
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("No repositories configured.")
			return nil
		}
		for _, st := range statuses {
			if st.Err != nil {
				fmt.Printf("%s: %v\n", st.Repository.Name, st.Err)
				continue
			}
			fmt.Printf("%s: %s, %d package(s), %d missing\n",
				st.Repository.Name, st.Index.Title, len(st.Index.Packages), len(st.Missing))
			for _, e := range st.Missing {
				fmt.Printf("  %s  %s\n", e.Hash, e.Ident)
			}
		}
		return nil
	},
}

var repoFetchCmd = &cobra.Command{
	Use:   "fetch LOCATION [REPOSITORY]",
	Short: "Download missing packages into the library",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "FetchMissing", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		repoName := ""
		if len(args) == 2 {
			repoName = args[1]
		}

		ctx, stop := interruptible()
		defer stop()

		pkgs, err := a.FetchMissing(ctx, args[0], repoName)
		for _, p := range pkgs {
			fmt.Printf("Downloaded %s\n", p.Ident())
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log to stderr as well as the log file")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// location subcommands
	locationCmd.AddCommand(locationAddCmd)
	locationCmd.AddCommand(locationListCmd)
	locationCmd.AddCommand(locationStatusCmd)
	locationCmd.AddCommand(locationHistoryCmd)
	locationHistoryCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	locationCmd.AddCommand(locationPurgeCmd)
	locationCmd.AddCommand(locationSnapshotCmd)

	// pkg subcommands
	pkgCmd.AddCommand(pkgInfoCmd)
	pkgInfoCmd.Flags().BoolP("entries", "e", false, "List entries")
	pkgCmd.AddCommand(pkgCreateCmd)
	pkgCreateCmd.Flags().StringP("output", "o", "", "Container path (default FOLDER.modpack)")
	pkgCreateCmd.Flags().StringP("method", "m", "", "Compression method: store, deflate, lzma, lzma2 or zstd")
	pkgCreateCmd.Flags().StringP("level", "l", "", "Compression level: none, fast, normal or best")
	pkgCreateCmd.Flags().String("category", "", "Package category")
	pkgCreateCmd.Flags().String("description", "", "Package description")
	pkgCreateCmd.Flags().StringSlice("depends", nil, "Packages this one depends on")
	pkgCreateCmd.Flags().String("thumbnail", "", "Image file to embed as thumbnail")
	pkgCmd.AddCommand(pkgThumbCmd)
	pkgCmd.AddCommand(pkgListCmd)

	// batch subcommands
	batchCmd.AddCommand(batchCreateCmd)
	batchCreateCmd.Flags().IntP("index", "i", 0, "Sort position")
	batchCmd.AddCommand(batchListCmd)
	batchCmd.AddCommand(batchRenameCmd)
	batchCmd.AddCommand(batchSetCmd)
	batchSetCmd.Flags().Bool("current", false, "Use the packages currently applied")
	batchCmd.AddCommand(batchApplyCmd)

	// repo subcommands
	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoCheckCmd)
	repoCmd.AddCommand(repoFetchCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(locationCmd)
	rootCmd.AddCommand(pkgCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(repoCmd)
}
