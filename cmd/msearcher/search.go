package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/idmarkers/msearcher/internal/config"
	"github.com/idmarkers/msearcher/internal/data/expr"
	"github.com/idmarkers/msearcher/internal/logging"
	"github.com/idmarkers/msearcher/internal/markers"
	"github.com/idmarkers/msearcher/internal/output"
	"github.com/idmarkers/msearcher/internal/preprocess"
	"github.com/idmarkers/msearcher/internal/service"
)

type searchFlags struct {
	profile       string
	queryGenes    string
	prefix        string
	outdir        string
	verbose       string
	topNum        int
	cutoff        float64
	maxCandidates int
	threads       int
	configPath    string
	progress      bool
	noPreprocess  bool
}

func searchCommand() *cobra.Command {
	var f searchFlags
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search marker genes in an expression profile",
		Long: `Search cell type-specific marker genes on the basis of specified query genes.

The profile has genes in rows and samples in columns, TAB or comma separated,
optionally gzip (.gz) or zstd (.zst) compressed. Results are written to
<outdir>/<prefix>.xls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, f)
		},
	}
	cmd.Flags().StringVarP(&f.profile, "profile", "p", "", "Gene expression profile, which row is gene and column is sample")
	cmd.Flags().StringVarP(&f.queryGenes, "query-genes", "q", "", "A list of query genes separated by commas, or a file with one gene per line")
	cmd.Flags().StringVar(&f.prefix, "prefix", "IDmarkers-Results", "Prefix name of the result file")
	cmd.Flags().StringVarP(&f.outdir, "outdir", "o", "./", "Directory all output files are written to")
	cmd.Flags().StringVarP(&f.verbose, "verbose", "v", "TRUE", "Print detailed information, TRUE or FALSE")
	cmd.Flags().IntVar(&f.topNum, "top-num", markers.DefaultTopNum, "Size of the target set and of each neighbor list")
	cmd.Flags().Float64Var(&f.cutoff, "cutoff", markers.DefaultCutoff, "Query genes with self-consistency at or below this are dropped")
	cmd.Flags().IntVar(&f.maxCandidates, "max-candidates", markers.DefaultMaxCandidates, "Number of most similar genes entering the significance test")
	cmd.Flags().IntVarP(&f.threads, "threads", "t", 0, "Worker goroutines (default: number of CPUs)")
	cmd.Flags().StringVar(&f.configPath, "config", "", "Optional configuration file supplying search and preprocess defaults")
	cmd.Flags().BoolVar(&f.progress, "progress", false, "Show a progress bar for the significance test")
	cmd.Flags().BoolVar(&f.noPreprocess, "no-preprocess", false, "Search the profile as read, without normalization or filtering")
	cmd.MarkFlagRequired("profile")
	cmd.MarkFlagRequired("query-genes")
	return cmd
}

func runSearch(cmd *cobra.Command, f searchFlags) error {
	start := time.Now()

	verbose, err := logging.ParseVerbose(f.verbose)
	if err != nil {
		return err
	}
	logger := logging.New(verbose, os.Stderr)
	log := logrus.NewEntry(logger)

	cfg := config.DefaultConfig()
	if f.configPath != "" {
		if cfg, err = config.Load(f.configPath); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
	}

	// Flags given on the command line win over the configuration file.
	search := markers.DefaultOptions()
	search.TopNum = cfg.Search.TopNum
	search.Cutoff = cfg.Search.Cutoff
	search.MaxCandidates = cfg.Search.MaxCandidates
	search.Workers = cfg.Search.Workers
	flags := cmd.Flags()
	if flags.Changed("top-num") || f.configPath == "" {
		search.TopNum = f.topNum
	}
	if flags.Changed("cutoff") || f.configPath == "" {
		search.Cutoff = f.cutoff
	}
	if flags.Changed("max-candidates") || f.configPath == "" {
		search.MaxCandidates = f.maxCandidates
	}
	if f.threads > 0 {
		search.Workers = f.threads
	}
	if search.TopNum < 1 {
		return fmt.Errorf("--top-num must be positive, got %d", search.TopNum)
	}
	if search.Cutoff < 0 || search.Cutoff >= 1 {
		return fmt.Errorf("--cutoff must be in [0, 1), got %v", search.Cutoff)
	}
	if search.MaxCandidates < search.TopNum {
		return fmt.Errorf("--max-candidates (%d) must be at least --top-num (%d)", search.MaxCandidates, search.TopNum)
	}
	search.Logger = log

	pp := preprocess.DefaultOptions()
	pp.DetectLogScale = cfg.Preprocess.DetectsLogScale()
	pp.LowExpressionPercentile = cfg.Preprocess.LowExpressionPercentile
	pp.RowScaling = cfg.Preprocess.RowScaling
	pp.Workers = search.Workers
	pp.Logger = log

	queries, err := expr.ParseQueryGenes(f.queryGenes)
	if err != nil {
		return err
	}

	svc := service.NewDatasetService(service.DatasetServiceConfig{
		DatasetID:         "profile",
		ProfilePath:       f.profile,
		Preprocess:        cfg.Preprocess.IsEnabled() && !f.noPreprocess,
		PreprocessOptions: pp,
		Search:            search,
		Logger:            log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := service.SearchRequest{Queries: queries}
	var bar *pb.ProgressBar
	if f.progress {
		req.Progress = func(phase markers.Phase, done, total int) {
			if phase != markers.PhaseSignificance {
				return
			}
			if bar == nil {
				bar = pb.Full.Start(total)
			}
			bar.SetCurrent(int64(done))
		}
	}
	res, err := svc.Search(ctx, req)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		switch {
		case errors.Is(err, markers.ErrNoQueryGenes):
			log.Error(">> Query genes are not in the gene set of profiles, exit...")
		case errors.Is(err, markers.ErrQualityCheck):
			log.Error(">> Query genes failed the quality check, exit...")
		default:
			log.Error(err.Error())
		}
		return err
	}

	outfile := output.Path(f.outdir, f.prefix)
	log.Infof(">> Writing searched results to %s file", outfile)
	if err := output.WriteFile(outfile, res.Records); err != nil {
		return err
	}
	log.Infof("Elapsed time is %s", time.Since(start).Round(time.Millisecond))
	return nil
}
