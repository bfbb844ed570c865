// Command flowdemo runs one order through the order approval process. It
// deploys the example definition on an in-memory store, logs every
// lifecycle event (optionally mirroring them onto a Pulse or NATS broker)
// and plays the reviewer when the order is large enough to need a human.
//
// Run it standalone:
//
//	go run goa.design/flow/example/cmd/flowdemo
//
// or against a broker with a config file:
//
//	go run goa.design/flow/example/cmd/flowdemo -config config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsio "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"goa.design/flow/example/order"
	natsbus "goa.design/flow/features/bus/nats"
	pulsebus "goa.design/flow/features/bus/pulse"
	clientspulse "goa.design/flow/features/bus/pulse/clients/pulse"
	"goa.design/flow/runtime/process/interpreter"
	"goa.design/flow/runtime/process/outbox"
	"goa.design/flow/runtime/process/runtime"
	"goa.design/flow/runtime/process/store/inmem"
	"goa.design/flow/runtime/process/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML config file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	bus, closeBus, err := buildBus(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if closeBus != nil {
		defer func() {
			if err := closeBus(context.Background()); err != nil {
				log.Errorf(ctx, err, "close bus")
			}
		}()
	}

	rt, err := runtime.New(ctx, runtime.Options{
		Store:   inmem.New(),
		Bus:     bus,
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			log.Errorf(ctx, err, "close runtime")
		}
	}()

	registerHandlers(ctx, rt)
	if _, err := rt.Subscribe("*", func(ctx context.Context, topic string, ev *outbox.Event) error {
		log.Print(ctx,
			log.KV{K: "topic", V: topic},
			log.KV{K: "type", V: string(ev.Type)},
			log.KV{K: "instance", V: ev.ProcessInstanceID},
			log.KV{K: "element", V: ev.ActivityID})
		return nil
	}); err != nil {
		log.Fatal(ctx, err)
	}

	def, err := order.Definition(cfg.Reviewer, cfg.Supervisor)
	if err != nil {
		log.Fatal(ctx, err)
	}
	deployed, err := rt.Deploy(ctx, def)
	if err != nil {
		log.Fatal(ctx, err)
	}

	res, err := rt.StartProcess(ctx, runtime.StartRequest{
		DefinitionID: deployed.ID,
		BusinessKey:  fmt.Sprintf("order-%d", time.Now().Unix()),
		Variables: map[string]any{
			"amount":   cfg.Order.Amount,
			"customer": cfg.Order.Customer,
		},
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "started order of %d for %s", cfg.Order.Amount, cfg.Order.Customer)
	if err := rt.AwaitIdle(ctx); err != nil {
		log.Fatal(ctx, err)
	}

	// Large orders now sit on the reviewer's desk; play the reviewer.
	if err := reviewOpenTasks(ctx, rt, res.InstanceID); err != nil {
		log.Fatal(ctx, err)
	}
	if err := rt.AwaitIdle(ctx); err != nil {
		log.Fatal(ctx, err)
	}
	if err := rt.DrainOutbox(ctx); err != nil {
		log.Fatal(ctx, err)
	}

	inst, err := rt.Instance(ctx, res.InstanceID)
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "instance %s finished in state %s", inst.ID, inst.State)
}

// registerHandlers binds the demo's service task implementations. They only
// log; a real deployment would call the billing and shipping systems here.
func registerHandlers(ctx context.Context, rt *runtime.Runtime) {
	handlers := map[string]string{
		order.HandlerCharge: "charging payment",
		order.HandlerShip:   "dispatching shipment",
		order.HandlerRefund: "refunding payment",
	}
	for key, msg := range handlers {
		err := rt.RegisterHandler(key, func(ctx context.Context, call *interpreter.Call) (map[string]any, error) {
			log.Printf(ctx, "%s for %v", msg, call.Variables["customer"])
			return nil, nil
		})
		if err != nil {
			log.Fatal(ctx, err)
		}
	}
}

// reviewOpenTasks claims and approves every open review task of the
// instance.
func reviewOpenTasks(ctx context.Context, rt *runtime.Runtime, instanceID string) error {
	tasks, err := rt.Tasks(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, tk := range tasks {
		if tk.State.Terminal() {
			continue
		}
		log.Printf(ctx, "approving task %q as %s", tk.Name, tk.Assignee)
		if err := rt.ClaimTask(ctx, tk.ID, tk.Assignee); err != nil {
			return err
		}
		if err := rt.CompleteTask(ctx, tk.ID, map[string]any{"approved": true}); err != nil {
			return err
		}
	}
	return nil
}

// buildBus constructs the configured broker adapter. A nil bus keeps the
// lifecycle events on the in-process bus only.
func buildBus(ctx context.Context, cfg Config) (outbox.Bus, func(context.Context) error, error) {
	switch cfg.Bus {
	case "", "none":
		return nil, nil, nil
	case "pulse":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return nil, nil, err
		}
		b, err := pulsebus.NewBus(pulsebus.Options{Client: pc})
		if err != nil {
			return nil, nil, err
		}
		return b, func(ctx context.Context) error {
			if err := b.Close(ctx); err != nil {
				return err
			}
			return rdb.Close()
		}, nil
	case "nats":
		nc, err := natsio.Connect(cfg.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		b, err := natsbus.NewBus(natsbus.Options{Conn: nc})
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus %q (valid: none, pulse, nats)", cfg.Bus)
	}
}
