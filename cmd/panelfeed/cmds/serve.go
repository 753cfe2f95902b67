package cmds

import (
	"context"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/panelfeed/pkg/feed"
	"github.com/go-go-golems/panelfeed/pkg/markers"
	"github.com/go-go-golems/panelfeed/pkg/metrics"
	"github.com/go-go-golems/panelfeed/pkg/redisstream"
	"github.com/go-go-golems/panelfeed/pkg/seed"
	"github.com/go-go-golems/panelfeed/pkg/server"
	"github.com/go-go-golems/panelfeed/pkg/store"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

type ServeSettings struct {
	Addr                 string `glazed:"addr"`
	StoreDB              string `glazed:"store-db"`
	Seed                 string `glazed:"seed"`
	IdleTimeoutSeconds   int    `glazed:"idle-timeout-seconds"`
	NewMarkerSeconds     int    `glazed:"new-marker-seconds"`
	UpdatedMarkerSeconds int    `glazed:"updated-marker-seconds"`
	VotesPerMinute       int    `glazed:"votes-per-minute"`
	VoteBurst            int    `glazed:"vote-burst"`
	HealthIntervalSecs   int    `glazed:"health-interval-seconds"`
}

func NewServeCommand() (*ServeCommand, error) {
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve live session questions and polls over HTTP and websockets"),
		cmds.WithLong(`Serve the panel feed.

Viewers connect to /ws?session_id=<id> and receive a questions frame and a polls frame
every time the reconciled state of the session changes. Questions, polls and votes are
written through the /api/sessions/<id>/... endpoints; every write is published on the
change feed, either in-process or over Redis Streams when --redis-enabled is set.`),
		cmds.WithFlags(
			fields.New("addr", fields.TypeString, fields.WithDefault(":8080"),
				fields.WithHelp("HTTP listen address")),
			fields.New("store-db", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("SQLite database file (empty keeps rows in memory)")),
			fields.New("seed", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("YAML file with sessions, questions and polls to load at startup")),
			fields.New("idle-timeout-seconds", fields.TypeInteger, fields.WithDefault(int(server.DefaultIdleTimeout/time.Second)),
				fields.WithHelp("Tear a session down this long after its last viewer left")),
			fields.New("new-marker-seconds", fields.TypeInteger, fields.WithDefault(int(markers.DefaultNewTTL/time.Second)),
				fields.WithHelp("How long a new question stays highlighted")),
			fields.New("updated-marker-seconds", fields.TypeInteger, fields.WithDefault(int(markers.DefaultUpdatedTTL/time.Second)),
				fields.WithHelp("How long an updated question stays highlighted")),
			fields.New("votes-per-minute", fields.TypeInteger, fields.WithDefault(120),
				fields.WithHelp("Sustained vote submissions allowed per voter (0 disables the limit)")),
			fields.New("vote-burst", fields.TypeInteger, fields.WithDefault(5),
				fields.WithHelp("Vote submissions a voter may burst above the sustained rate")),
			fields.New("health-interval-seconds", fields.TypeInteger, fields.WithDefault(5),
				fields.WithHelp("How often the Redis connection is probed (0 disables probing)")),
		),
		cmds.WithSections(redisSection),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewInMemoryStore(), nil
	}
	dsn, err := store.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(dsn)
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, _ io.Writer) error {
	s := &ServeSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "decode serve settings")
	}
	rs := redisstream.Settings{}
	if err := parsed.DecodeSectionInto("redis", &rs); err != nil {
		return errors.Wrap(err, "decode redis settings")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := redisstream.BuildTransport(rs)
	if err != nil {
		return errors.Wrap(err, "build transport")
	}
	defer func() { _ = tr.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return errors.Wrap(err, "register metrics")
	}

	clientOpts := []feed.ClientOption{feed.WithMetrics(m)}
	if rs.Enabled && s.HealthIntervalSecs > 0 {
		clientOpts = append(clientOpts, feed.WithHealthCheck(tr, time.Duration(s.HealthIntervalSecs)*time.Second))
	}
	fc, err := feed.NewClient(tr, clientOpts...)
	if err != nil {
		return err
	}
	pub, err := feed.NewPublisher(tr.Publisher())
	if err != nil {
		return err
	}

	base, err := openStore(s.StoreDB)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() { _ = base.Close() }()
	st, err := store.NewNotifyingStore(base, pub)
	if err != nil {
		return err
	}
	if s.Seed != "" {
		f, err := seed.Load(s.Seed)
		if err != nil {
			return err
		}
		if err := f.Apply(ctx, st); err != nil {
			return errors.Wrap(err, "apply seed")
		}
		log.Info().Str("component", "serve").Str("seed", s.Seed).Int("sessions", len(f.Sessions)).Msg("seed applied")
	}

	hub, err := server.NewHub(st, fc,
		server.WithIdleTimeout(time.Duration(s.IdleTimeoutSeconds)*time.Second),
		server.WithMarkerTTLs(
			time.Duration(s.NewMarkerSeconds)*time.Second,
			time.Duration(s.UpdatedMarkerSeconds)*time.Second,
		),
		server.WithHubMetrics(m),
	)
	if err != nil {
		return err
	}
	defer hub.Close()

	srvOpts := []server.ServerOption{
		server.WithGatherer(reg),
		server.WithServerMetrics(m),
	}
	if rs.Enabled {
		srvOpts = append(srvOpts, server.WithPinger(tr))
	}
	if s.VotesPerMinute > 0 {
		srvOpts = append(srvOpts, server.WithVoteLimit(float64(s.VotesPerMinute)/60, s.VoteBurst))
	}
	srv, err := server.NewServer(hub, st, srvOpts...)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return fc.Run(egCtx) })
	eg.Go(func() error {
		log.Info().Str("component", "serve").Str("addr", s.Addr).Bool("redis", rs.Enabled).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), 5*time.Second)
		defer cancel()
		log.Info().Str("component", "serve").Msg("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var _ cmds.WriterCommand = &ServeCommand{}
