package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/viasinal/cadmatch/internal/asset"
	"github.com/viasinal/cadmatch/internal/config"
	"github.com/viasinal/cadmatch/internal/db"
	"github.com/viasinal/cadmatch/internal/designcheck"
	"github.com/viasinal/cadmatch/internal/match"
	"github.com/viasinal/cadmatch/internal/runner"
	"github.com/viasinal/cadmatch/internal/store"
	"github.com/viasinal/cadmatch/internal/tolerance"
	"github.com/viasinal/cadmatch/internal/triage"
	"github.com/viasinal/cadmatch/internal/web"
)

var (
	log    = logrus.New()
	dbConn *db.Connection
)

// engine bundles the wired components every subcommand draws from.
type engine struct {
	store      store.Store
	registry   *tolerance.Registry
	classifier *match.Classifier
	runner     *runner.Runner
	detector   *designcheck.Detector
	machine    *triage.Machine
}

func newEngine(st store.Store) *engine {
	registry := tolerance.NewRegistry(st)
	classifier := match.NewClassifier(match.NewSearcher(st))
	return &engine{
		store:      st,
		registry:   registry,
		classifier: classifier,
		runner:     runner.New(st, registry, classifier, log),
		detector:   designcheck.New(st, registry, log),
		machine:    triage.NewMachine(st, log),
	}
}

func main() {
	config.LoadEnv()

	if config.GetEnv("LOG_FORMAT", "text") == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(config.GetEnv("LOG_LEVEL", "info")); err == nil {
		log.SetLevel(level)
	}

	var err error
	dbConn, err = db.NewConnection()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbConn.Close()

	rootCmd := &cobra.Command{
		Use:   "cadmatch",
		Short: "Road-safety asset matching and reconciliation engine",
		Long:  `Matches project necessities against the surveyed asset inventory, classifies each one, flags design errors and drives the triage and reconciliation flow`,
	}

	rootCmd.AddCommand(createPingCmd())
	rootCmd.AddCommand(createMatchCmd())
	rootCmd.AddCommand(createResetCmd())
	rootCmd.AddCommand(createDesignCheckCmd())
	rootCmd.AddCommand(createTolerancesCmd())
	rootCmd.AddCommand(createServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// parseTypes turns a comma-separated list into element types; empty means
// every tracked type.
func parseTypes(csv string) ([]asset.ElementType, error) {
	if strings.TrimSpace(csv) == "" {
		return asset.AllElementTypes(), nil
	}
	var out []asset.ElementType
	for _, part := range strings.Split(csv, ",") {
		et := asset.ElementType(strings.ToUpper(strings.TrimSpace(part)))
		if !et.Valid() {
			return nil, fmt.Errorf("unknown element type %q", part)
		}
		out = append(out, et)
	}
	return out, nil
}

func parseFilters(highwayID, lotID int64) store.Filters {
	var f store.Filters
	if highwayID > 0 {
		f.HighwayID = &highwayID
	}
	if lotID > 0 {
		f.LotID = &lotID
	}
	return f
}

// createPingCmd creates a command to test database connectivity
func createPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test database connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Database connection successful!")

			var count int
			if err := dbConn.DB.QueryRow("SELECT COUNT(*) FROM necessity").Scan(&count); err != nil {
				log.Warnf("Error counting necessity records: %v", err)
			} else {
				fmt.Printf("Necessities loaded: %d\n", count)
			}
			if err := dbConn.DB.QueryRow("SELECT COUNT(*) FROM cadastro_element").Scan(&count); err != nil {
				log.Warnf("Error counting cadastro records: %v", err)
			} else {
				fmt.Printf("Cadastro elements loaded: %d\n", count)
			}
		},
	}
}

// createMatchCmd creates the batch matching subcommand
func createMatchCmd() *cobra.Command {
	var (
		typesCSV  string
		highwayID int64
		lotID     int64
		pageSize  int
	)

	matchCmd := &cobra.Command{
		Use:   "match",
		Short: "Match undecided necessities against the cadastro",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := parseTypes(typesCSV)
			if err != nil {
				return err
			}

			eng := newEngine(store.NewPostgres(dbConn.DB))
			if pageSize > 0 {
				eng.runner.SetPageSize(pageSize)
			}

			// Ctrl-C stops cooperatively; persisted results stay.
			stop := &runner.StopFlag{}
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				log.Warn("stop requested, finishing current record")
				stop.Stop()
			}()

			report, err := eng.runner.Run(context.Background(), types, parseFilters(highwayID, lotID), stop)
			if err != nil {
				return err
			}
			printRunReport(report)
			return nil
		},
	}

	matchCmd.Flags().StringVar(&typesCSV, "types", "", "comma-separated element types (default: all)")
	matchCmd.Flags().Int64Var(&highwayID, "highway", 0, "restrict to one highway")
	matchCmd.Flags().Int64Var(&lotID, "lot", 0, "restrict to one lot")
	matchCmd.Flags().IntVar(&pageSize, "page-size", 0, "records loaded per page")
	return matchCmd
}

func printRunReport(report *runner.RunReport) {
	fmt.Printf("Run %s\n", report.RunID)
	for _, et := range asset.AllElementTypes() {
		st, ok := report.PerType[et]
		if !ok {
			continue
		}
		fmt.Printf("  %-20s total=%d matched=%d substituted=%d ambiguous=%d no_match=%d errors=%d\n",
			et, st.Total, st.Matched, st.Substituted, st.Ambiguous, st.NoMatch, st.Errors)
	}
	if len(report.SkippedTypes) > 0 {
		fmt.Printf("  skipped (no tolerance record): %v\n", report.SkippedTypes)
	}
	fmt.Printf("  average score: %.3f\n", report.AverageScore)
	if report.Stopped {
		fmt.Println("  run stopped early; processed results were kept")
	}
}

// createResetCmd creates the decision reset subcommand
func createResetCmd() *cobra.Command {
	var typesCSV string

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear match decisions so a run can be repeated",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := parseTypes(typesCSV)
			if err != nil {
				return err
			}
			eng := newEngine(store.NewPostgres(dbConn.DB))
			report := eng.runner.Reset(context.Background(), types)
			for et, cleared := range report.Cleared {
				fmt.Printf("  %-20s cleared=%d\n", et, cleared)
			}
			for et, err := range report.Failed {
				fmt.Printf("  %-20s FAILED: %v (re-run required)\n", et, err)
			}
			return nil
		},
	}

	resetCmd.Flags().StringVar(&typesCSV, "types", "", "comma-separated element types (default: all)")
	return resetCmd
}

// createDesignCheckCmd creates the design-error sweep subcommand
func createDesignCheckCmd() *cobra.Command {
	var (
		typesCSV  string
		highwayID int64
		lotID     int64
	)

	checkCmd := &cobra.Command{
		Use:   "design-check",
		Short: "Flag install necessities that collide with the cadastro",
		RunE: func(cmd *cobra.Command, args []string) error {
			types, err := parseTypes(typesCSV)
			if err != nil {
				return err
			}
			eng := newEngine(store.NewPostgres(dbConn.DB))
			stats, err := eng.detector.Run(context.Background(), types, parseFilters(highwayID, lotID))
			if err != nil {
				return err
			}
			fmt.Printf("checked=%d flagged_existing=%d flagged_divergent=%d cleared=%d errors=%d\n",
				stats.Checked, stats.FlaggedExisting, stats.FlaggedDivergent, stats.Cleared, stats.Errors)
			return nil
		},
	}

	checkCmd.Flags().StringVar(&typesCSV, "types", "", "comma-separated element types (default: all)")
	checkCmd.Flags().Int64Var(&highwayID, "highway", 0, "restrict to one highway")
	checkCmd.Flags().Int64Var(&lotID, "lot", 0, "restrict to one lot")
	return checkCmd
}

// createTolerancesCmd creates the tolerance administration subcommand
func createTolerancesCmd() *cobra.Command {
	tolCmd := &cobra.Command{
		Use:   "tolerances",
		Short: "Inspect and seed tolerance parameters",
	}

	tolCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active tolerance records",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := newEngine(store.NewPostgres(dbConn.DB))
			params, err := eng.registry.ListAll(context.Background())
			if err != nil {
				return err
			}
			for _, p := range params {
				switch p.ElementType.Class() {
				case asset.PointClass:
					fmt.Printf("  %-20s match<=%.0fm substitution<=%.0fm attrs=%v\n",
						p.ElementType, p.MatchDistanceM, p.SubstitutionDistanceM, p.MatchAttributes)
				case asset.LinearClass:
					fmt.Printf("  %-20s match>=%.2f ambiguous=[%.2f,%.2f) attrs=%v\n",
						p.ElementType, p.OverlapMatchFraction, p.OverlapAmbiguousLow, p.OverlapAmbiguousHigh, p.MatchAttributes)
				}
			}
			return nil
		},
	})

	tolCmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Write the shipped default tolerances for every element type",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := store.NewPostgres(dbConn.DB)
			for _, et := range asset.AllElementTypes() {
				if err := st.SaveTolerance(context.Background(), tolerance.DefaultParams(et)); err != nil {
					return fmt.Errorf("seeding %s: %w", et, err)
				}
				fmt.Printf("  %-20s seeded\n", et)
			}
			return nil
		},
	})

	return tolCmd
}

// createServeCmd creates the web server subcommand
func createServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := newEngine(store.NewPostgres(dbConn.DB))
			server := web.NewServer(web.ConfigFromEnv(), web.Deps{
				Store:    eng.store,
				Runner:   eng.runner,
				Detector: eng.detector,
				Machine:  eng.machine,
				Registry: eng.registry,
			}, log)
			return server.Start()
		},
	}
}
