package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cryguy/runnable/internal/config"
	"github.com/cryguy/runnable/internal/core"
	"github.com/cryguy/runnable/internal/log"
	"github.com/cryguy/runnable/internal/metrics"
	"github.com/cryguy/runnable/internal/processor"
	"github.com/cryguy/runnable/internal/propagate"
	"github.com/cryguy/runnable/internal/sandbox"
	"github.com/cryguy/runnable/internal/store"
)

func checkCmd(args []string) error {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	compile := fs.Bool("compile", true, "also load the template and run init under the default security config")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return &exitError{code: 2, err: errors.New("check takes exactly one file")}
	}
	src, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := sandbox.Check(string(src)); err != nil {
		return err
	}
	if *compile {
		r, err := sandbox.Compile(context.Background(), string(src), core.SecurityConfig{})
		if err != nil {
			return err
		}
		_ = r.Close()
	}
	fmt.Println("ok")
	return nil
}

func serveTemplateCmd(args []string) error {
	fs := pflag.NewFlagSet("serve-template", pflag.ContinueOnError)
	dsn := fs.String("db", "", "postgres:// URL or sqlite path")
	id := fs.String("id", "", "template id")
	file := fs.String("file", "", "template source file")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *dsn == "" || *id == "" || *file == "" {
		return &exitError{code: 2, err: errors.New("--db, --id and --file are required")}
	}
	src, err := os.ReadFile(*file)
	if err != nil {
		return err
	}
	if err := sandbox.Check(string(src)); err != nil {
		return fmt.Errorf("refusing to store %s: %w", *file, err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, *dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.PutTemplate(ctx, core.Template{ID: *id, Content: string(src)}); err != nil {
		return err
	}
	fmt.Printf("stored template %s\n", *id)
	return nil
}

type runFlags struct {
	template   string
	templateID string
	queries    string
	stream     bool
	configPath string
	dsn        string
	routeID    string
}

func runCmd(args []string) error {
	var f runFlags
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.StringVar(&f.template, "template", "", "template source file")
	fs.StringVar(&f.templateID, "id", "", "template id to fetch from --db instead of --template")
	fs.StringVar(&f.queries, "queries", "", "JSON file holding an array of query records")
	fs.BoolVar(&f.stream, "stream", false, "call process_stream once per query instead of process")
	fs.StringVar(&f.configPath, "config", "", "YAML config file")
	fs.StringVar(&f.dsn, "db", "", "postgres:// URL or sqlite path backing templates and find_user")
	fs.StringVar(&f.routeID, "route", "cli", "route id results are propagated under")
	if err := parse(fs, args); err != nil {
		return err
	}
	if (f.template == "") == (f.templateID == "") {
		return &exitError{code: 2, err: errors.New("exactly one of --template or --id is required")}
	}
	if f.queries == "" {
		return &exitError{code: 2, err: errors.New("--queries is required")}
	}

	cfg, err := config.NewLoader().WithConfigPath(f.configPath).Load()
	if err != nil {
		return err
	}
	if f.dsn != "" {
		cfg.Database.DSN = f.dsn
	}
	if f.templateID != "" && cfg.Database.DSN == "" {
		return &exitError{code: 2, err: errors.New("--id needs a database (--db or DATABASE_URL)")}
	}

	logger, err := log.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	queries, err := readQueries(f.queries)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = metrics.NewCollector(reg)
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	dsn := cfg.Database.DSN
	if dsn == "" {
		dsn = ":memory:"
	}
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	st.WithRetry(cfg.RetryPolicy())

	templateID := f.templateID
	if f.template != "" {
		src, err := os.ReadFile(f.template)
		if err != nil {
			return err
		}
		templateID = strings.TrimSuffix(filepath.Base(f.template), filepath.Ext(f.template))
		if err := st.PutTemplate(ctx, core.Template{ID: templateID, Content: string(src)}); err != nil {
			return err
		}
	}

	sec, err := cfg.SecurityConfig()
	if err != nil {
		return err
	}

	dist := propagate.NewDistributor(logger)
	if cfg.Redis.Addr != "" {
		rp, err := propagate.NewRedis(ctx, propagate.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.StreamPrefix,
			MaxLen:   cfg.Redis.MaxLen,
			Retry:    cfg.RetryPolicy(),
		})
		if err != nil {
			return err
		}
		defer rp.Close()
		dist.Add(rp)
	}

	compiler := sandbox.NewCompiler(sandbox.Options{
		Logger:               logger,
		Metrics:              collector,
		UserDB:               st.UserDB(),
		Dialect:              st.Dialect(),
		AllowPrivateNetworks: cfg.Engine.AllowPrivateNetworks,
		HTTPRatePerSecond:    cfg.Engine.HTTPRatePerSecond,
		HTTPBurst:            cfg.Engine.HTTPBurst,
		MaxResponseBytes:     cfg.Engine.MaxResponseBytes,
		Retry:                cfg.RetryPolicy(),
		MaxStreamItems:       cfg.Engine.MaxStreamItems,
	})

	p, err := processor.New(ctx, processor.Config{
		RouteID:    f.routeID,
		TemplateID: templateID,
		Security:   sec,
	}, processor.Deps{
		Templates:  st,
		Compiler:   compiler,
		Propagator: dist,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	enc := json.NewEncoder(os.Stdout)
	var failed int
	for i, q := range queries {
		if f.stream {
			for item := range p.StreamEntry(ctx, q, 16) {
				if item.Err != nil {
					failed++
					logger.Error("stream failed", zap.Int("query", i), zap.Error(item.Err))
					break
				}
				if err := enc.Encode(item.Record); err != nil {
					return err
				}
			}
		} else {
			results, err := p.ProcessEntry(ctx, q)
			if err != nil {
				failed++
				logger.Error("process failed", zap.Int("query", i), zap.Error(err))
			} else if err := enc.Encode(results); err != nil {
				return err
			}
		}
		for _, l := range p.Runnable().Logs() {
			logger.Info(l.Message, zap.String("source", "template"), zap.String("level", l.Level))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Runnable().State() == core.StateDisposed && i < len(queries)-1 {
			if err := p.Recompile(ctx); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return &exitError{code: 1, err: fmt.Errorf("%d of %d queries failed", failed, len(queries))}
	}
	return nil
}

func readQueries(path string) ([]core.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var queries []core.Record
	if err := json.Unmarshal(data, &queries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return queries, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
