package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/jrife/plover/cache"
	"github.com/jrife/plover/cluster"
	"github.com/jrife/plover/config"
	"github.com/jrife/plover/schema"
	"github.com/jrife/plover/storage/kv/plugins"
	"github.com/jrife/plover/txn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.NewDefaultConfig(), nil
	}

	return config.Load(path)
}

func newConfigCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)

			if err != nil {
				return err
			}

			return toml.NewEncoder(cmd.OutOrStdout()).Encode(conf)
		},
	}
}

func newRunCommand(configPath *string, logLevel *string) *cobra.Command {
	var keys int
	var rounds int

	command := &cobra.Command{
		Use:   "run",
		Short: "Boot an in-process cluster and run an increment workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)

			if err != nil {
				return err
			}

			if *logLevel != "" {
				conf.LogLevel = *logLevel
			}

			logger, err := newLogger(conf.LogLevel)

			if err != nil {
				return err
			}

			defer logger.Sync()

			return run(cmd.Context(), cmd, conf, logger, keys, rounds)
		},
	}

	command.Flags().IntVar(&keys, "keys", 100, "number of keys to increment")
	command.Flags().IntVar(&rounds, "rounds", 3, "number of increment rounds")

	return command
}

type counter struct {
	Count int `json:"count"`
}

func run(ctx context.Context, cmd *cobra.Command, conf *config.Config, logger *zap.Logger, keys int, rounds int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c, err := cluster.New(cluster.Config{
		Nodes:      conf.Cluster.Nodes,
		Partitions: conf.Cluster.Partitions,
		Backups:    conf.Cluster.Backups,
		Plugin:     plugins.Plugin(conf.Cluster.Plugin),
		DataDir:    conf.Cluster.DataDir,
		Logger:     logger,
	})

	if err != nil {
		return err
	}

	defer c.Close()

	registry := prometheus.NewRegistry()
	manager, err := txn.NewManager(txn.ManagerConfig{
		Cluster:     c,
		LockTimeout: conf.Engine.LockTimeout.Duration,
		Registerer:  registry,
		Logger:      logger,
	})

	if err != nil {
		return err
	}

	counters, err := cache.New[int, counter](cache.Config{
		Name:               "counters",
		Cluster:            c,
		Workers:            conf.Engine.Workers,
		MaxRoutingAttempts: conf.Engine.MaxRoutingAttempts,
		RoutingBackoff:     conf.Engine.RoutingBackoff.Duration,
		LockTimeout:        conf.Engine.LockTimeout.Duration,
		Replication:        conf.ReplicationMode(),
		Registerer:         registry,
		Logger:             logger,
	})

	if err != nil {
		return err
	}

	types := schema.New(schema.Config{Store: c.Metadata(schema.Partition), Logger: logger})
	increment := cache.ProcessorFunc[int, counter](func(entry *cache.MutableEntry[int, counter], args cache.Args) (interface{}, error) {
		entry.Effect("register-counter", func() error {
			_, err := types.Register("counter")

			return err
		})

		value := entry.Value()
		value.Count++
		entry.SetValue(value)

		return value.Count, nil
	})

	all := make([]int, keys)

	for i := range all {
		all[i] = i
	}

	for round := 0; round < rounds; round++ {
		results, err := counters.InvokeAll(ctx, nil, all, increment)

		if err != nil {
			return err
		}

		failed := 0

		for _, result := range results {
			if _, err := result.Get(); err != nil {
				failed++
			}
		}

		logger.Info("round finished", zap.Int("round", round), zap.Int("results", len(results)), zap.Int("failed", failed))
	}

	// Move one unit from key 0 to key 1 in a transaction
	tx, err := manager.Begin(ctx, txn.Pessimistic, txn.RepeatableRead)

	if err != nil {
		return err
	}

	transfer := map[int]cache.Processor[int, counter]{
		0: cache.ProcessorFunc[int, counter](func(entry *cache.MutableEntry[int, counter], args cache.Args) (interface{}, error) {
			value := entry.Value()
			value.Count--
			entry.SetValue(value)

			return value.Count, nil
		}),
		1: increment,
	}

	if _, err := counters.InvokeAllMap(ctx, tx, transfer); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	values, err := counters.GetAll(ctx, nil, all)

	if err != nil {
		return err
	}

	sorted := make([]int, 0, len(values))

	for key := range values {
		sorted = append(sorted, key)
	}

	sort.Ints(sorted)

	for _, key := range sorted {
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%d\n", key, values[key].Count)
	}

	registered, err := types.Types()

	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "registered types: %v (register called %d times)\n", registered, types.Registrations())

	return nil
}
