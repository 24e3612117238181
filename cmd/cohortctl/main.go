package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/cohort/internal/config"
	"github.com/ehr/cohort/internal/domain/codelist"
	"github.com/ehr/cohort/internal/domain/cohort"
	"github.com/ehr/cohort/internal/domain/dummy"
	"github.com/ehr/cohort/internal/domain/extract"
	"github.com/ehr/cohort/internal/platform/auth"
	"github.com/ehr/cohort/internal/platform/db"
	"github.com/ehr/cohort/internal/platform/studydsl"
	"github.com/ehr/cohort/internal/study"
)

// builtinStudy selects the study definition compiled into the binary.
const builtinStudy = "builtin:study"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cohortctl",
		Short:        "Validate, inspect and extract cohort study definitions",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("spec", "", "study definition (.star, .yaml, .json or "+builtinStudy+"); defaults to COHORT_SPEC")

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(extractCmd())
	rootCmd.AddCommand(dummyCmd())
	rootCmd.AddCommand(codelistsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	return rootCmd
}

// app holds the configuration and lazily opened resources shared by the
// commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	svc    *codelist.Service
}

func newApp(cmd *cobra.Command, logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if spec, _ := cmd.Flags().GetString("spec"); spec != "" {
		cfg.SpecPath = spec
	}
	return &app{cfg: cfg, logger: newLogger(cfg, logOut)}, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) dbPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	if a.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Msg("connected to database")
	a.pool = pool
	return pool, nil
}

// codelists opens the configured codelist source once and reuses it.
func (a *app) codelists(ctx context.Context) (*codelist.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	var repo codelist.Repository
	if a.cfg.CodelistSource == config.CodelistSourcePostgres {
		pool, err := a.dbPool(ctx)
		if err != nil {
			return nil, err
		}
		repo = codelist.NewPGRepo(pool)
	} else {
		var err error
		if repo, err = codelist.NewCSVRepo(a.cfg.CodelistDir, codelist.CSVOptions{}); err != nil {
			return nil, err
		}
	}
	a.svc = codelist.NewService(repo)
	return a.svc, nil
}

// loadSpec reads the configured study definition and builds it against the
// configured codelists.
func (a *app) loadSpec(ctx context.Context) (*cohort.Spec, *codelist.Registry, error) {
	svc, err := a.codelists(ctx)
	if err != nil {
		return nil, nil, err
	}
	reg, err := svc.Registry(ctx)
	if err != nil {
		return nil, nil, err
	}
	spec, err := loadSpec(a.cfg.SpecPath, reg, studydsl.Options{
		MaxSteps: a.cfg.ScriptMaxSteps,
		Timeout:  a.cfg.ScriptTimeout,
	})
	if err != nil {
		return nil, reg, err
	}
	a.logger.Debug().Str("spec", a.cfg.SpecPath).Int("columns", len(spec.Columns())).Msg("loaded study definition")
	return spec, reg, nil
}

// loadSpec dispatches on the file extension: Starlark scripts run through
// the study DSL, everything else is decoded as a YAML or JSON document.
func loadSpec(path string, codelists cohort.CodelistLookup, opts studydsl.Options) (*cohort.Spec, error) {
	if path == "" {
		return nil, fmt.Errorf("no study definition given: set --spec or COHORT_SPEC")
	}
	if path == builtinStudy {
		return study.Definition(codelists)
	}

	var (
		doc cohort.Document
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".star":
		doc, err = studydsl.LoadFile(path, opts)
	default:
		doc, err = cohort.ReadDocumentFile(path)
	}
	if err != nil {
		return nil, err
	}
	return cohort.Load(doc, codelists)
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a study definition and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			spec, _, err := a.loadSpec(cmd.Context())
			if err != nil {
				var verr *cohort.ValidationError
				if errors.As(err, &verr) {
					for _, p := range verr.Problems {
						fmt.Fprintln(out, p.String())
					}
					return fmt.Errorf("%s: %d problem(s)", a.cfg.SpecPath, len(verr.Problems))
				}
				return err
			}

			fmt.Fprintf(out, "%s: ok, index date %s, %d column(s)\n",
				a.cfg.SpecPath, spec.IndexDate().Format("2006-01-02"), len(spec.Columns()))
			for _, v := range spec.Columns() {
				fmt.Fprintf(out, "  %-32s %-28s %s\n", v.Name, v.Source.Kind, v.OutputType())
			}
			return nil
		},
	}
}

func showCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the normalized study definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")

			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			spec, _, err := a.loadSpec(cmd.Context())
			if err != nil {
				return err
			}
			switch format {
			case "yaml", "yml":
				return cohort.EncodeYAML(cmd.OutOrStdout(), spec.Document())
			case "json":
				return cohort.EncodeJSON(cmd.OutOrStdout(), spec.Document())
			default:
				return fmt.Errorf("unknown format %q: want yaml or json", format)
			}
		},
	}
	cmd.Flags().String("format", "yaml", "Output format (yaml or json)")
	return cmd
}

func extractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Resolve the study definition against a patient snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshotPath, _ := cmd.Flags().GetString("snapshot")
			outPath, _ := cmd.Flags().GetString("out")
			if snapshotPath == "" {
				return fmt.Errorf("--snapshot is required")
			}

			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			spec, _, err := a.loadSpec(ctx)
			if err != nil {
				return err
			}
			snap, err := extract.LoadSnapshot(snapshotPath)
			if err != nil {
				return err
			}

			var resolver extract.Resolver = extract.NewMemoryResolver(a.cfg.ResolverWorkers, a.logger)
			ds, err := resolver.Resolve(ctx, spec, snap)
			if err != nil {
				return err
			}
			return writeDataset(cmd, outPath, ds)
		},
	}
	cmd.Flags().String("snapshot", "", "Patient snapshot (.json or .yaml)")
	cmd.Flags().String("out", "-", "Output CSV path, - for stdout")
	return cmd
}

func dummyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dummy",
		Short: "Generate synthetic rows from the return expectations",
		RunE: func(cmd *cobra.Command, args []string) error {
			outPath, _ := cmd.Flags().GetString("out")

			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			rows := a.cfg.DummyRows
			if cmd.Flags().Changed("rows") {
				rows, _ = cmd.Flags().GetInt("rows")
			}
			seed := a.cfg.DummySeed
			if cmd.Flags().Changed("seed") {
				seed, _ = cmd.Flags().GetUint64("seed")
			}

			spec, _, err := a.loadSpec(cmd.Context())
			if err != nil {
				return err
			}
			ds, err := dummy.NewGenerator(seed, time.Now()).Generate(spec, rows)
			if err != nil {
				return err
			}
			a.logger.Info().Int("rows", len(ds.Rows)).Uint64("seed", seed).Msg("generated dummy data")
			return writeDataset(cmd, outPath, ds)
		},
	}
	cmd.Flags().Int("rows", 0, "Number of rows (defaults to DUMMY_ROWS)")
	cmd.Flags().Uint64("seed", 0, "Random seed (defaults to DUMMY_SEED)")
	cmd.Flags().String("out", "-", "Output CSV path, - for stdout")
	return cmd
}

func writeDataset(cmd *cobra.Command, path string, ds *extract.Dataset) error {
	if path == "" || path == "-" {
		return extract.WriteCSV(cmd.OutOrStdout(), ds)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := extract.WriteCSV(f, ds); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func codelistsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codelists",
		Short: "Inspect and import codelists",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the configured codelists",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			svc, err := a.codelists(ctx)
			if err != nil {
				return err
			}
			reg, err := svc.Registry(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-40s %-10s %-10s %6s %s\n", "NAME", "VERSION", "SYSTEM", "CODES", "CATEGORIES")
			for _, name := range reg.Names() {
				cl, _ := reg.Codelist(name)
				s := cl.Summary()
				fmt.Fprintf(out, "%-40s %-10s %-10s %6d %s\n", s.Name, s.Version, s.System, s.Size, strings.Join(s.Categories, ","))
			}
			return nil
		},
	})

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Copy CSV codelists into the reference_codelist table",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if dir == "" {
				dir = a.cfg.CodelistDir
			}

			ctx := cmd.Context()
			repo, err := codelist.NewCSVRepo(dir, codelist.CSVOptions{})
			if err != nil {
				return err
			}
			reg, err := codelist.NewService(repo).Registry(ctx)
			if err != nil {
				return err
			}
			lists := make([]*codelist.Codelist, 0, reg.Len())
			for _, name := range reg.Names() {
				cl, _ := reg.Codelist(name)
				lists = append(lists, cl)
			}

			pool, err := a.dbPool(ctx)
			if err != nil {
				return err
			}
			n, err := codelist.Import(ctx, pool, lists...)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d code(s) from %d codelist(s).\n", n, len(lists))
			return nil
		},
	}
	importCmd.Flags().String("dir", "", "CSV codelist directory (defaults to CODELIST_DIR)")
	cmd.AddCommand(importCmd)

	return cmd
}

// migrations is the schema owned by cohortctl.
func migrations() []db.Migration {
	return []db.Migration{
		{Version: 1, Name: "reference_codelist", SQL: codelist.Schema},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			pool, err := a.dbPool(ctx)
			if err != nil {
				return err
			}
			migrator, err := db.NewMigrator(pool, migrations()...)
			if err != nil {
				return err
			}
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			pool, err := a.dbPool(ctx)
			if err != nil {
				return err
			}
			migrator, err := db.NewMigrator(pool, migrations()...)
			if err != nil {
				return err
			}
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %s\n", "VERSION", "NAME", "STATUS")
			for _, s := range statuses {
				status := "pending"
				if s.Applied {
					status = "applied"
				}
				fmt.Fprintf(out, "%-10d %-40s %s\n", s.Version, s.Name, status)
			}
			return nil
		},
	})

	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			a, err := newApp(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.cfg.AuthEnabled() {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}

			token, err := auth.IssueToken([]byte(a.cfg.AuthSigningKey), a.cfg.AuthIssuer, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Token subject")
	cmd.Flags().StringSlice("role", []string{auth.RoleReader}, "Granted roles (reader, author, admin)")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
