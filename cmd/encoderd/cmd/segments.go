package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/encoderd/internal/catalog"
	"github.com/jmylchreest/encoderd/internal/config"
	"github.com/jmylchreest/encoderd/internal/database"
	"github.com/jmylchreest/encoderd/internal/models"
	"github.com/jmylchreest/encoderd/pkg/format"
)

var (
	segmentsRoute string
	segmentsOpen  bool
	segmentsLimit int
)

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "List recorded segments from the catalog",
	RunE:  runSegments,
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "List recorded routes with their totals",
	RunE:  runRoutes,
}

func init() {
	segmentsCmd.Flags().StringVar(&segmentsRoute, "route", "", "only list segments of this route")
	segmentsCmd.Flags().BoolVar(&segmentsOpen, "open", false, "only list segments that are still open")
	segmentsCmd.Flags().IntVar(&segmentsLimit, "limit", 50, "maximum number of segments")
	segmentsCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(segmentsCmd)
}

func browseCatalog(ctx context.Context) (*catalog.Catalog, func(), error) {
	cfg, err := config.LoadFrom(v)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	db, err := database.New(cfg.Catalog, nil)
	if err != nil {
		return nil, nil, err
	}
	c, err := catalog.Browse(ctx, db, nil)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return c, func() { _ = db.Close() }, nil
}

func runSegments(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, done, err := browseCatalog(ctx)
	if err != nil {
		return err
	}
	defer done()

	segs, err := c.ListSegments(ctx, catalog.SegmentFilter{
		Route:    segmentsRoute,
		OpenOnly: segmentsOpen,
		Limit:    segmentsLimit,
	})
	if err != nil {
		return err
	}
	writeSegments(cmd.OutOrStdout(), segs, time.Now())
	return nil
}

func writeSegments(w io.Writer, segs []models.Segment, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tOPENED\tDURATION\tFRAMES\tSIZE\tRATE")
	for i := range segs {
		s := &segs[i]
		d := s.Duration()
		duration := format.Duration(d)
		if s.Open() {
			d = now.Sub(s.OpenedAt)
			duration = "open"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Path,
			format.RelativeTime(s.OpenedAt),
			duration,
			format.Number(int64(s.Frames)),
			format.Bytes(s.Bytes),
			format.Bitrate(s.Bytes, d),
		)
	}
	_ = tw.Flush()
}

func runRoutes(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	c, done, err := browseCatalog(ctx)
	if err != nil {
		return err
	}
	defer done()

	routes, err := c.ListRoutes(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tROOT\tCREATED\tSEGMENTS\tFRAMES\tSIZE")
	for _, r := range routes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.Name, r.Root,
			format.RelativeTime(r.CreatedAt),
			r.SegmentCount,
			format.Number(r.Frames),
			format.Bytes(r.Bytes),
		)
	}
	return tw.Flush()
}
