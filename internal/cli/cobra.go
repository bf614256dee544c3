package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"geolocate/internal/calc"
	"geolocate/internal/config"
	"geolocate/internal/detect"
	"geolocate/internal/fsutil"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags.
var Version = "1.0.0-dev"

// Root carries the configuration and logger shared by every command.
type Root struct {
	cfg *config.Config
	log *slog.Logger
}

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	root := &Root{cfg: cfg, log: log}

	rootCmd := &cobra.Command{
		Use:   "geolocate",
		Short: "Geolocate detects objects on photos and estimates where they are",
		Long: `Geolocate runs the photo geolocation services: the detection (calc) service,
the photo store and the gateway that orchestrates detection runs. It can also
run detection on local images without any service.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCalcCmd(root))
	rootCmd.AddCommand(newServePhotosCmd(root))
	rootCmd.AddCommand(newServeGatewayCmd(root))
	rootCmd.AddCommand(newDetectCmd(root))
	rootCmd.AddCommand(newModelsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCalcCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-calc",
		Short: "Start the detection service",
		Long: `Start the detection ("calc") service. It fetches images, runs the selected
detection strategy, renders annotated previews and serves them from GET /photo.

Examples:
  geolocate serve-calc --addr :5003`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.CalcAddr = addr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			srv, closeFn, err := buildCalcServer(ctx, root.cfg, root.log)
			if err != nil {
				return fmt.Errorf("failed to create calc service: %w", err)
			}
			defer closeFn()

			root.log.Info("calc service ready",
				"addr", root.cfg.Server.CalcAddr,
				"endpoints", []string{"/healthz", "/detect", "/photo", "/clear", "/models", "/stream"},
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newServePhotosCmd(root *Root) *cobra.Command {
	var (
		addr    string
		noWatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve-photos",
		Short: "Start the photo store",
		Long: `Start the photo store. On first start with an empty database every image in
the import directory is registered; new files dropped there later are picked
up by a watcher.

Examples:
  geolocate serve-photos --addr :5002
  geolocate serve-photos --no-watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.PhotoAddr = addr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			srv, closeFn, err := buildPhotoServer(root.cfg, root.log, !noWatch)
			if err != nil {
				return err
			}
			defer closeFn()

			root.log.Info("photo store ready",
				"addr", root.cfg.Server.PhotoAddr,
				"database", root.cfg.Database.Path,
				"driver", root.cfg.Database.Driver,
				"import_dir", root.cfg.Paths.ImportDir,
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not import from the import directory")
	return cmd
}

func newServeGatewayCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve-gateway",
		Short: "Start the gateway",
		Long: `Start the browser-facing gateway. It orchestrates detection runs across the
calc service and the photo store, proxies previews and streams progress on /ws.

Examples:
  geolocate serve-gateway --addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				root.cfg.Server.GatewayAddr = addr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			srv, closeFn := buildGatewayServer(ctx, root.cfg, root.log)
			defer closeFn()

			root.log.Info("gateway ready",
				"addr", root.cfg.Server.GatewayAddr,
				"calc_url", root.cfg.Services.CalcURL,
				"photo_url", root.cfg.Services.PhotoURL,
			)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newDetectCmd(root *Root) *cobra.Command {
	var (
		method  string
		seed    int64
		lat     float64
		lon     float64
		output  string
		overlay bool
	)

	cmd := &cobra.Command{
		Use:   "detect <image> [image...]",
		Short: "Run detection on local images and write annotated previews",
		Long: `Run detection on local images or URLs without starting any service. For every
image a composite preview and one preview per detection are written to the
output directory.

Examples:
  geolocate detect roof.jpg --method synthetic --seed 42 --lat 55.0 --lon 37.0
  geolocate detect ./photos/*.jpg --method auto --out ./previews`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := detect.ParseMethod(method)
			if err != nil {
				return err
			}
			req := calc.Request{Method: int(m), Overlay: &overlay}
			if cmd.Flags().Changed("seed") {
				req.Seed = &seed
			}
			for _, ref := range args {
				img := calc.ImageRequest{ImageRef: ref}
				if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
					img.Lat, img.Lon = &lat, &lon
				}
				req.Images = append(req.Images, img)
			}
			return root.runDetect(cmd.Context(), req, output, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&method, "method", "0", "method id or name (auto, synthetic, dnn-segmentation, color-segmentation)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for reproducible synthetic detections")
	cmd.Flags().Float64Var(&lat, "lat", 0, "shot latitude")
	cmd.Flags().Float64Var(&lon, "lon", 0, "shot longitude")
	cmd.Flags().StringVarP(&output, "out", "o", ".", "directory for annotated previews")
	cmd.Flags().BoolVar(&overlay, "overlay", false, "tint road and other masks on composites")
	return cmd
}

func (r *Root) runDetect(ctx context.Context, req calc.Request, outDir string, w io.Writer) error {
	cfg := *r.cfg
	cfg.Results.Backend = "memory"

	svc, closeFn, err := newCalcService(ctx, &cfg, r.log, "", "")
	if err != nil {
		return err
	}
	defer closeFn()

	resp, err := svc.Detect(ctx, req)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ext := ".jpg"
	if strings.EqualFold(cfg.Render.Format, "webp") {
		ext = ".webp"
	}

	for _, res := range resp.Results {
		if res.Error != "" {
			fmt.Fprintf(w, "%s: %s (%s)\n", res.ImageRef, res.Error, res.ErrorKind)
			continue
		}
		name := fsutil.SanitizeName(res.ImageRef)
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		composite, err := r.writeRender(svc, res.CompositeURL, outDir, stem+"_all"+ext)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %d detections, method %s -> %s\n", res.ImageRef, len(res.Detections), detect.Method(res.Method), composite)

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tLABEL\tBBOX\tCONF\tLAT\tLON\tPREVIEW")
		for _, d := range res.Detections {
			single, err := r.writeRender(svc, d.SingleURL, outDir, stem+"_"+strings.ReplaceAll(d.ID, ".", "_")+ext)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "  %s\t%s\t%d,%d,%d,%d\t%.3f\t%s\t%s\t%s\n", d.ID, d.Label,
				d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H, d.Confidence, coord(d.Lat), coord(d.Lon), filepath.Base(single))
		}
		tw.Flush()
	}
	return nil
}

// writeRender copies the render behind a /photo?id= link into dir.
func (r *Root) writeRender(svc *calc.Service, link, dir, name string) (string, error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse render link %q: %w", link, err)
	}
	data, err := svc.Store().Get(u.Query().Get("id"))
	if err != nil {
		return "", err
	}
	path := fsutil.UniquePath(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	r.log.Debug("render written", "path", path, "size", humanize.Bytes(uint64(len(data))))
	return path, nil
}

func coord(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}

func newModelsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List detection methods and whether they can run here",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, closeEngine := detect.NewFromConfig(root.cfg.Detection, root.log)
			defer closeEngine()

			available := map[detect.Method]bool{detect.MethodAuto: true}
			for _, m := range engine.Available() {
				available[m] = true
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "METHOD\tNAME\tKIND\tAVAILABLE\tDESCRIPTION")
			for _, m := range detect.Models() {
				kind := string(m.Kind)
				if kind == "" {
					kind = "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\n", m.Method, m.Name, kind, available[m.Method], m.Description)
			}
			return tw.Flush()
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Geolocate v" + Version)
		},
	}
}
