// dirmand is the directory management server: a pooled LDAP client behind
// a hook pipeline, schema-driven flat entities, an organization tree with
// link/path consistency, soft delete to a trash branch, per-branch
// authorization, and a JSON API on top.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/authz"
	"github.com/isometry/dirmand/internal/entity"
	"github.com/isometry/dirmand/internal/hook"
	"github.com/isometry/dirmand/internal/ldap"
	"github.com/isometry/dirmand/internal/options"
	"github.com/isometry/dirmand/internal/orgs"
	"github.com/isometry/dirmand/internal/plugin"
	"github.com/isometry/dirmand/internal/schema"
	"github.com/isometry/dirmand/internal/trash"
	"github.com/isometry/dirmand/internal/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dirmand:", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := options.Load()
	if err != nil {
		return err
	}
	log := opts.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hooks := hook.NewRegistry(log)

	client, err := ldap.NewClient(&opts.LDAP, hooks, log)
	if err != nil {
		return err
	}
	defer client.Close()

	schemas, err := schema.LoadAll(opts.SchemaPaths, opts.SchemaVars())
	if err != nil {
		return err
	}
	store := schema.NewStore(schemas)
	validator := schema.NewValidator(client)
	orgSvc := orgs.NewService(client, opts.OrgTreeBase(), log)

	// The consistency plugin depends on authz, so the authz plugin always
	// loads; without a rules file it runs with a grant-all default.
	rules := &authz.Rules{Default: authz.Permissions{Read: true, Write: true, Delete: true}}
	if opts.AuthzEnabled() {
		rules, err = authz.LoadRules(opts.AuthzConfig)
		if err != nil {
			return err
		}
	}
	ruleStore := authz.NewStore(rules)
	authzSvc := authz.NewService(client, ruleStore, log)

	host := plugin.NewHost(log)
	host.Add(authz.NewPlugin(authzSvc))
	host.Add(orgs.NewConsistency(orgSvc))
	if opts.TrashEnabled() {
		trashPlugin, err := trash.New(opts.Trash, client, log)
		if err != nil {
			return err
		}
		host.Add(trashPlugin)
	}

	if err := host.Load(&plugin.Deps{
		Dir:       client,
		Hooks:     hooks,
		Schemas:   store,
		Validator: validator,
		Log:       log,
	}); err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		return err
	}

	srv := web.New(web.Deps{
		Options: opts,
		Dir:     client,
		Entities: func(plural string) (*entity.Entity, bool) {
			sc, ok := store.ByPlural(plural)
			if !ok {
				return nil, false
			}
			return entity.New(sc, client, hooks, validator, orgSvc, log), true
		},
		Orgs:    orgSvc,
		Schemas: store,
		Plugins: host,
		Stats: func() web.Stats {
			return web.Stats{Pool: client.PoolStats(), Cache: client.CacheStats()}
		},
		Log: log,
	})

	if opts.WatchConfig {
		go watchConfig(ctx, opts, store, authzSvc, log)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(opts.Listen)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	host.Stop(shutdownCtx)
	return nil
}

// watchConfig hot-reloads schema and authorization files. A file that no
// longer parses is logged and skipped; the previous set stays active.
func watchConfig(ctx context.Context, opts *options.Options, store *schema.Store, authzSvc *authz.Service, log zerolog.Logger) {
	paths := append([]string(nil), opts.SchemaPaths...)
	if opts.AuthzEnabled() {
		paths = append(paths, opts.AuthzConfig)
	}
	if len(paths) == 0 {
		return
	}

	onChange := func(path string) {
		if opts.AuthzEnabled() && path == opts.AuthzConfig {
			rules, err := authz.LoadRules(path)
			if err != nil {
				log.Warn().Str("path", path).Err(err).Msg("authz rules reload rejected")
				return
			}
			authzSvc.Reload(rules)
			log.Info().Str("path", path).Msg("authz rules reloaded")
			return
		}

		schemas, err := schema.LoadAll(opts.SchemaPaths, opts.SchemaVars())
		if err != nil {
			log.Warn().Str("path", path).Err(err).Msg("schema reload rejected")
			return
		}
		store.Replace(schemas)
		log.Info().Str("path", path).Int("schemas", len(schemas)).Msg("schemas reloaded")
	}

	if err := options.Watch(ctx, paths, log, onChange); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("config watcher stopped")
	}
}
