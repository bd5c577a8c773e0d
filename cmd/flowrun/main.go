// Command flowrun executes a flow document from disk and prints the journal
// summary. It wires the full stack: config, journal backend, connection
// brokers, built-in handlers and the Pulse event sink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"

	"goa.design/flowrun/broker/httpconn"
	"goa.design/flowrun/broker/redisconn"
	"goa.design/flowrun/broker/sqlconn"
	"goa.design/flowrun/config"
	"goa.design/flowrun/engine"
	"goa.design/flowrun/flow"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/handlers"
	"goa.design/flowrun/hooks"
	pulsesink "goa.design/flowrun/hooks/pulse"
	"goa.design/flowrun/journal"
	"goa.design/flowrun/journal/inmem"
	journalmongo "goa.design/flowrun/journal/mongo"
	"goa.design/flowrun/plan"
	"goa.design/flowrun/telemetry"
	"goa.design/flowrun/value"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config (optional)")
		flowPath   = flag.String("flow", "", "path to the flow document JSON")
		inputJSON  = flag.String("input", "{}", "execution input as JSON")
		principal  = flag.String("principal", "cli", "principal recorded on the execution")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	logger := telemetry.NewClueLogger()

	if *flowPath == "" {
		fmt.Fprintln(os.Stderr, "usage: flowrun -flow <document.json> [-config <flowrun.yaml>] [-input <json>]")
		os.Exit(2)
	}

	if err := run(ctx, logger, *configPath, *flowPath, *inputJSON, *principal); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger telemetry.Logger, configPath, flowPath, inputJSON, principal string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(flowPath)
	if err != nil {
		return fmt.Errorf("read flow: %w", err)
	}
	doc, err := flow.ParseDocument(data)
	if err != nil {
		return err
	}
	input, err := parseInput(inputJSON)
	if err != nil {
		return err
	}

	store, closeStore, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	httpBroker := httpconn.New(httpconn.Options{TTL: cfg.Brokers.TTL, Logger: logger})
	redisBroker := redisconn.New(redisconn.Options{TTL: cfg.Brokers.TTL, Logger: logger})
	sqlBroker := sqlconn.New(sqlconn.Options{TTL: cfg.Brokers.TTL, Logger: logger})
	defer func() {
		_ = httpBroker.Close()
		_ = redisBroker.Close()
		_ = sqlBroker.Close()
	}()

	reg := handler.NewRegistry()
	if err := handlers.Register(reg, handlers.Brokers{
		HTTP:  httpBroker,
		Redis: redisBroker,
		SQL:   sqlBroker,
	}, nil); err != nil {
		return err
	}

	publisher, err := eventPublisher(cfg, logger)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		Registry:                reg,
		Journal:                 store,
		Hooks:                   publisher,
		Logger:                  logger,
		Metrics:                 telemetry.NewClueMetrics(),
		Tracer:                  telemetry.NewClueTracer(),
		MaxParallel:             cfg.MaxParallel,
		GlobalMaxParallel:       cfg.GlobalMaxParallel,
		DefaultExecutionTimeout: cfg.ExecutionTimeout,
	})
	if err != nil {
		return err
	}

	p, err := plan.NewBuilder(reg, nil).Build(ctx, flowPath, doc)
	if err != nil {
		return err
	}

	ex, err := eng.Execute(ctx, engine.Request{Plan: p, Input: input, Principal: principal})
	if err != nil {
		return err
	}
	return printSummary(ctx, store, ex)
}

func parseInput(inputJSON string) (value.Value, error) {
	var raw any
	if err := json.Unmarshal([]byte(inputJSON), &raw); err != nil {
		return value.Null(), fmt.Errorf("parse input: %w", err)
	}
	return value.FromAny(raw)
}

func openJournal(ctx context.Context, cfg config.Config) (journal.Store, func(), error) {
	switch cfg.Journal.Backend {
	case "mongo":
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Journal.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		store, err := journalmongo.New(journalmongo.Options{
			Client:   client,
			Database: cfg.Journal.Mongo.Database,
			Timeout:  cfg.Journal.Mongo.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		return inmem.New(), func() {}, nil
	}
}

func eventPublisher(cfg config.Config, logger telemetry.Logger) (hooks.Publisher, error) {
	if !cfg.Stream.Enabled {
		return hooks.Noop(), nil
	}
	sink, err := pulsesink.NewSink(pulsesink.Options{
		Redis:        redis.NewClient(&redis.Options{Addr: cfg.Stream.RedisAddr}),
		StreamMaxLen: cfg.Stream.MaxLen,
	})
	if err != nil {
		return nil, err
	}
	return hooks.NewMulti(logger, sink), nil
}

func printSummary(ctx context.Context, store journal.Store, ex *journal.Execution) error {
	fmt.Printf("execution %s  status=%s\n", ex.ID, ex.Status)
	if ex.Fault != nil {
		fmt.Printf("fault: %s\n", ex.Fault.Error())
	}
	if !ex.Output.IsNull() {
		if data, err := ex.Output.Canonical(); err == nil {
			fmt.Printf("output: %s\n", data)
		}
	}

	rows, err := store.ListNodeExecutions(ctx, ex.ID)
	if err != nil {
		return err
	}
	fmt.Println("nodes:")
	for _, row := range rows {
		line := fmt.Sprintf("  %-20s attempt=%d %-10s %dms", row.NodeID, row.Attempt, row.Status, row.DurationMS)
		if row.Fault != nil {
			line += "  " + row.Fault.Error()
		}
		fmt.Println(line)
	}
	return nil
}
