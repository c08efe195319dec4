// cdffs exposes a remote object store as a filesystem.
//
// Sub-commands:
//
//	cdffs mount <dir> [flags]         Mount the filesystem (default)
//	cdffs ls [--limit n] [-l] <path>  List a directory
//	cdffs cat <path>...               Print file contents
//	cdffs put <local> <path>          Upload a local file
//	cdffs rm <path>...                Remove files
//	cdffs mkdir [--exist-ok] <path>   Register a directory
//
// Configuration comes from the environment and the YAML file named by
// CDFFS_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cognitedata/cdffs/internal/backend"
	"github.com/cognitedata/cdffs/internal/cdffs"
	"github.com/cognitedata/cdffs/internal/config"
	"github.com/cognitedata/cdffs/internal/dircache"
	"github.com/cognitedata/cdffs/internal/fuse"
	"github.com/cognitedata/cdffs/internal/logging"
	"github.com/cognitedata/cdffs/internal/metrics"
	"github.com/cognitedata/cdffs/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, args := "mount", os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "mount", "ls", "cat", "put", "rm", "mkdir":
			cmd, args = args[0], args[1:]
		}
	}

	var err error
	switch cmd {
	case "ls":
		err = cmdLs(ctx, args)
	case "cat":
		err = cmdCat(ctx, args)
	case "put":
		err = cmdPut(ctx, args)
	case "rm":
		err = cmdRm(ctx, args)
	case "mkdir":
		err = cmdMkdir(ctx, args)
	default:
		err = cmdMount(ctx, args)
	}
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, initializes logging and builds the filesystem.
func setup(ctx context.Context) (*config.Config, *cdffs.FileSystem, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}

	store, err := backend.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("backend: %w", err)
	}
	fsys, err := cdffs.New(cdffs.OptionsFromConfig(cfg, store, backend.HTTPClient(store)))
	if err != nil {
		return nil, nil, err
	}
	return cfg, fsys, nil
}

func cmdMount(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("mount", pflag.ExitOnError)
	allowOther := flags.Bool("allow-other", false, "Allow other users to access the mount")
	debug := flags.Bool("debug", false, "Log every FUSE request")
	metricsAddr := flags.String("metrics-addr", "", "Prometheus listen address (default from METRICS_ADDR)")
	flags.Parse(args)

	if flags.NArg() < 1 {
		return errors.New("usage: cdffs mount <dir> [--allow-other] [--debug] [--metrics-addr addr]")
	}
	mountPoint := flags.Arg(0)

	cfg, fsys, err := setup(ctx)
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logging.Info("cdffs starting",
		logging.String("backend", cfg.Backend),
		logging.String("strategy", cfg.UploadStrategy),
		logging.String("mount_point", mountPoint))

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	server, err := fuse.Mount(context.WithoutCancel(ctx), fsys, mountPoint, fuse.Config{AllowOther: *allowOther, Debug: *debug})
	if err != nil {
		return err
	}
	logging.Info("press Ctrl+C to unmount")

	<-ctx.Done()

	logging.Info("unmounting")
	if err := server.Unmount(); err != nil {
		logging.Warn("unmount failed", logging.Err(err))
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func cmdLs(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("ls", pflag.ExitOnError)
	limit := flags.Int("limit", dircache.Unbounded, "Maximum number of objects to list remotely")
	long := flags.BoolP("long", "l", false, "Show kind and size")
	flags.Parse(args)

	path := "/"
	if flags.NArg() > 0 {
		path = flags.Arg(0)
	}

	_, fsys, err := setup(ctx)
	if err != nil {
		return err
	}
	entries, err := fsys.Ls(ctx, path, *limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !*long {
			fmt.Println(e.Name)
			continue
		}
		size := "-"
		if e.Size >= 0 {
			size = fmt.Sprint(e.Size)
		}
		fmt.Printf("%-9s  %12s  %s\n", e.Kind, size, e.Name)
	}
	return nil
}

func cmdCat(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("cat", pflag.ExitOnError)
	flags.Parse(args)
	if flags.NArg() < 1 {
		return errors.New("usage: cdffs cat <path>...")
	}

	_, fsys, err := setup(ctx)
	if err != nil {
		return err
	}
	paths := flags.Args()
	contents, err := fsys.CatMany(ctx, paths)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := os.Stdout.Write(contents[p]); err != nil {
			return err
		}
	}
	return nil
}

func cmdPut(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("put", pflag.ExitOnError)
	source := flags.String("source", "", "Source recorded on the object")
	mimeType := flags.String("mime-type", "", "MIME type (default from the file extension)")
	dataSetID := flags.Int64("data-set-id", 0, "Data set the object belongs to")
	meta := flags.StringToString("metadata", nil, "Extra metadata as key=value pairs")
	flags.Parse(args)
	if flags.NArg() != 2 {
		return errors.New("usage: cdffs put [flags] <local-file> <path>")
	}

	in, err := os.Open(flags.Arg(0))
	if err != nil {
		return err
	}
	defer in.Close()

	_, fsys, err := setup(ctx)
	if err != nil {
		return err
	}
	w, err := fsys.Create(ctx, flags.Arg(1), storage.FileMetadata{
		Source:    *source,
		MimeType:  *mimeType,
		DataSetID: *dataSetID,
		Metadata:  *meta,
	})
	if err != nil {
		return err
	}
	n, err := io.Copy(w, in)
	if err != nil {
		w.Abort()
		return fmt.Errorf("upload %s: %w", flags.Arg(0), err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	logging.Info("uploaded",
		logging.String("path", flags.Arg(1)), logging.Int64("bytes", n))
	return nil
}

func cmdRm(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("rm", pflag.ExitOnError)
	flags.Parse(args)
	if flags.NArg() < 1 {
		return errors.New("usage: cdffs rm <path>...")
	}

	_, fsys, err := setup(ctx)
	if err != nil {
		return err
	}
	if flags.NArg() == 1 {
		return fsys.Rm(ctx, flags.Arg(0))
	}
	return fsys.RmFiles(ctx, flags.Args())
}

func cmdMkdir(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("mkdir", pflag.ExitOnError)
	existOK := flags.Bool("exist-ok", false, "Do not fail when the directory is known")
	flags.Parse(args)
	if flags.NArg() != 1 {
		return errors.New("usage: cdffs mkdir [--exist-ok] <path>")
	}

	_, fsys, err := setup(ctx)
	if err != nil {
		return err
	}
	// known directories come from the remote listing of the parent
	if _, err := fsys.Ls(ctx, flags.Arg(0), dircache.Unbounded); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := fsys.Mkdir(flags.Arg(0), *existOK); err != nil {
		return err
	}
	logging.Info("directory registered; it is stored remotely once a file is written below it",
		logging.String("path", flags.Arg(0)))
	return nil
}
