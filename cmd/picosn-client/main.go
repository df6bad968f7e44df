// Command picosn-client is the operator-facing demo/integration surface
// around the picosn MQTT-SN client library: it loads a device config,
// connects to a gateway, and either sends one file, watches a directory
// for new files, or just idles answering inbound PUBLISH/chunk traffic.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/picosn/picosn-client/internal/blockrecv"
	"github.com/picosn/picosn-client/internal/blocksend"
	"github.com/picosn/picosn-client/internal/clock"
	"github.com/picosn/picosn-client/internal/config"
	"github.com/picosn/picosn-client/internal/fsx"
	"github.com/picosn/picosn-client/internal/logging"
	"github.com/picosn/picosn-client/internal/mqttsn"
	"github.com/picosn/picosn-client/internal/store"
	"github.com/picosn/picosn-client/internal/transport"
)

func main() {
	cmd := &cli.Command{
		Name:  "picosn-client",
		Usage: "MQTT-SN v1.2 client with reliable block transfer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to config.yaml"},
			&cli.StringFlag{Name: "gateway", Aliases: []string{"g"}, Usage: "gateway host:port, overrides config"},
			&cli.StringFlag{Name: "send", Usage: "path to a file to send once, then exit"},
			&cli.StringFlag{Name: "topic", Usage: "topic to publish/watch under", Value: ""},
			&cli.IntFlag{Name: "qos", Usage: "QoS for --send (0, 1 or 2)", Value: -1},
			&cli.StringFlag{Name: "watch", Usage: "directory to watch, sending any new file found"},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "picosn-client:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if gw := cmd.String("gateway"); gw != "" {
		host, port, err := parseHostPort(gw)
		if err != nil {
			return fmt.Errorf("parsing --gateway %q: %w", gw, err)
		}
		cfg.Device.GatewayHost = host
		cfg.Device.GatewayPort = port
	}

	lg := logging.New(os.Stdout, logging.ParseLevel(cfg.Logging.Level))
	lg.Infof("starting picosn-client, client_id=%s gateway=%s:%d", cfg.Device.ClientID, cfg.Device.GatewayHost, cfg.Device.GatewayPort)

	var st store.Store
	switch cfg.Storage.Backend {
	case "bbolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return fmt.Errorf("creating storage directory: %w", err)
		}
		st, err = store.NewBboltStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("opening bbolt store: %w", err)
		}
	default:
		st = store.NewMemStore()
	}
	defer st.Close()

	t, err := transport.Open(cfg.Device.LocalPort)
	if err != nil {
		return fmt.Errorf("opening UDP transport: %w", err)
	}
	defer t.Close()

	clk := clock.NewSystemClock()
	client := mqttsn.New(t, clk, 20)

	gwIP, gwPort, err := resolveGateway(cfg)
	if err != nil {
		return err
	}
	client.SetGateway(gwIP, gwPort)

	if entries, err := st.LoadRegistry(); err != nil {
		lg.Warnf("loading persisted registry: %v", err)
	} else if len(entries) > 0 {
		client.SeedRegistry(entries)
		lg.Infof("restored %d registry entries from %s storage", len(entries), cfg.Storage.Backend)
	}

	fs := fsx.New()
	sender := blocksend.New(client, fs)
	sender.OnProgress = func(sent, total int) {
		lg.Infof("send progress: %d/%d chunks", sent, total)
	}
	receiver := blockrecv.New(client, fs, clk, cfg.BlockTransfer.ReceivedDir, cfg.BlockTransfer.MetadataTopic, cfg.BlockTransfer.RetransmitTopic)
	receiver.OnComplete = func(c blockrecv.Completion) {
		lg.Infof("block transfer complete: id=%d size=%d parts=%d path=%s", c.BlockID, c.Size, c.Parts, c.Path)
	}
	receiver.SetCheckpointStore(st)
	if err := receiver.Resume(); err != nil {
		lg.Warnf("resuming in-progress block transfer: %v", err)
	} else if receiver.Active() {
		lg.Infof("resumed in-progress block transfer from %s storage", cfg.Storage.Backend)
	}

	client.RegisterPublishHandler(cfg.BlockTransfer.ChunkTopic, func(topic string, payload []byte, qos byte, msgID uint16) {
		if err := receiver.ProcessChunk(payload); err != nil {
			lg.Warnf("chunk rejected: %v", err)
		}
	})
	client.RegisterPublishHandler(cfg.BlockTransfer.RetransmitTopic, func(topic string, payload []byte, qos byte, msgID uint16) {
		if _, err := sender.HandleNACK(string(payload)); err != nil {
			lg.Warnf("NACK handling failed: %v", err)
		}
	})

	if err := client.Connect(cfg.Device.ClientID, uint16(cfg.Device.KeepAlive/time.Second)); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	lg.Infof("connected to gateway")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pollTicker := time.NewTicker(20 * time.Millisecond)
		defer pollTicker.Stop()
		persistTicker := time.NewTicker(5 * time.Second)
		defer persistTicker.Stop()
		for {
			select {
			case <-gctx.Done():
				_ = st.SaveRegistry(client.RegistrySnapshot())
				return nil
			case <-pollTicker.C:
				client.Poll()
				receiver.Tick()
			case <-persistTicker.C:
				if err := st.SaveRegistry(client.RegistrySnapshot()); err != nil {
					lg.Warnf("persisting registry: %v", err)
				}
			}
		}
	})

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
			go func() {
				<-gctx.Done()
				srv.Close()
			}()
			lg.Infof("metrics listening on %s%s", srv.Addr, cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	sendTopic := cmd.String("topic")
	if sendTopic == "" {
		sendTopic = cfg.BlockTransfer.ChunkTopic
	}
	qos := byte(cfg.QoS.Default)
	if v := cmd.Int("qos"); v >= 0 {
		qos = byte(v)
	}

	if sendPath := cmd.String("send"); sendPath != "" {
		if err := sender.SendFile(sendTopic, sendPath, qos); err != nil {
			return fmt.Errorf("sending %s: %w", sendPath, err)
		}
		lg.Infof("sent %s on topic %s", sendPath, sendTopic)
	}

	if watchDir := cmd.String("watch"); watchDir != "" {
		g.Go(func() error {
			return watchAndSend(gctx, fs, watchDir, sendTopic, qos, sender, lg)
		})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case <-stop:
		case <-gctx.Done():
		}
		_ = client.Disconnect()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	path := cmd.String("config")
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}
	return config.Load(path)
}

func resolveGateway(cfg *config.Config) (net.IP, int, error) {
	ip := net.ParseIP(cfg.Device.GatewayHost)
	if ip == nil {
		resolved, err := net.ResolveIPAddr("ip", cfg.Device.GatewayHost)
		if err != nil {
			return nil, 0, fmt.Errorf("resolving gateway host %q: %w", cfg.Device.GatewayHost, err)
		}
		ip = resolved.IP
	}
	return ip, cfg.Device.GatewayPort, nil
}

func parseHostPort(hostPort string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// watchAndSend scans dir every second, sending any file not yet recorded
// in dir/.sent, generalizing the original firmware's button-driven file
// picker into a directory-scan loop (spec.md §9 supplemented features).
func watchAndSend(ctx context.Context, fs fsx.FS, dir, topic string, qos byte, sender *blocksend.Sender, lg *logging.Logger) error {
	sentMarker := filepath.Join(dir, ".sent")
	sent := make(map[string]bool)
	if data, err := fs.ReadFile(sentMarker); err == nil {
		for _, name := range strings.Split(string(data), "\n") {
			if name != "" {
				sent[name] = true
			}
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			names, err := fs.ListDir(dir)
			if err != nil {
				lg.Warnf("watch: listing %s: %v", dir, err)
				continue
			}
			for _, name := range names {
				if name == ".sent" || sent[name] {
					continue
				}
				path := filepath.Join(dir, name)
				if err := sender.SendFile(topic, path, qos); err != nil {
					lg.Warnf("watch: sending %s: %v", path, err)
					continue
				}
				sent[name] = true
				lg.Infof("watch: sent %s", path)
				var all []string
				for n := range sent {
					all = append(all, n)
				}
				_ = fs.WriteFile(sentMarker, []byte(strings.Join(all, "\n")))
			}
		}
	}
}
