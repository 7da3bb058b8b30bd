// Command meshd runs one Thread mesh-core node: the 802.15.4 MAC
// scheduler, MLE attach/role state machine, network-data leader store,
// address resolver, and the ambient settings/notifier/diagnostics
// services that surround them. Grounded on the teacher's
// cmd/network-server/main.go startup sequence (flag-based config path,
// zerolog console/JSON switch, signal-driven graceful shutdown).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openthread-go/meshcore/internal/addrresolve"
	"github.com/openthread-go/meshcore/internal/config"
	"github.com/openthread-go/meshcore/internal/diag"
	"github.com/openthread-go/meshcore/internal/macsched"
	"github.com/openthread-go/meshcore/internal/meshcore"
	"github.com/openthread-go/meshcore/internal/mle"
	"github.com/openthread-go/meshcore/internal/neighbor"
	"github.com/openthread-go/meshcore/internal/netdata"
	"github.com/openthread-go/meshcore/internal/notifier"
	"github.com/openthread-go/meshcore/internal/settings"
	"github.com/openthread-go/meshcore/pkg/linksecurity"
)

func main() {
	configPath := flag.String("config", "config/meshd.yml", "path to the node's YAML config file")
	showConfig := flag.Bool("show-config", false, "print the effective configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshd: load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)

	if *showConfig {
		fmt.Printf("%+v\n", cfg)
		return
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("meshd: fatal error")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w = os.Stderr
	var log zerolog.Logger
	if cfg.Format == "json" {
		log = zerolog.New(w).With().Timestamp().Logger()
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return log.Level(level)
}

func run(cfg *config.Config, log zerolog.Logger) error {
	extAddress, err := parseExtAddress(cfg.Node.ExtAddressHex)
	if err != nil {
		return fmt.Errorf("parse node.ext_address: %w", err)
	}
	networkKey, err := parseNetworkKey(cfg.Node.NetworkKeyHex)
	if err != nil {
		return fmt.Errorf("parse node.network_key: %w", err)
	}

	store, closeStore, err := buildSettingsStore(cfg.Settings)
	if err != nil {
		return fmt.Errorf("build settings store: %w", err)
	}
	defer closeStore()
	settingsLayer := settings.New(store, log)

	ctx := context.Background()
	netInfo, err := settingsLayer.ReadNetworkInfo(ctx)
	if err != nil {
		netInfo = &settings.NetworkInfo{ExtAddress: extAddress, Rloc16: meshcore.InvalidShortAddress}
	}

	keys, err := linksecurity.DeriveKeySet(networkKey, netInfo.KeySequence)
	if err != nil {
		return fmt.Errorf("derive initial key set: %w", err)
	}

	var n *notifier.Notifier
	if cfg.Notifier.NATSURL != "" {
		n, err = notifier.Connect(cfg.Notifier.NATSURL, cfg.Notifier.SubjectPrefix, log)
		if err != nil {
			return fmt.Errorf("connect notifier: %w", err)
		}
		defer n.Close()
	}

	neighbors := neighbor.NewTable(cfg.Mle.MaxChildren, cfg.Mle.MaxRouters, cfg.Mle.MaxChildren)
	netdataLeader := netdata.NewLeader()

	udpAddr := fmt.Sprintf("0.0.0.0:%d", MlePort)
	peers := newStaticPeers([]*net.UDPAddr{{IP: net.IPv4bcast, Port: MlePort}}, map[meshcore.ShortAddress]*net.UDPAddr{})
	transport, err := newUDPTransport(udpAddr, peers, log)
	if err != nil {
		return fmt.Errorf("start mle transport: %w", err)
	}
	defer transport.Close()

	mleEngine := mle.New(cfg.Mle, transport, neighbors, extAddress, cfg.Node.LeaderWeight, log)
	mleEngine.OnRoleChanged = func(from, to mle.Role) {
		if n != nil {
			n.RoleChanged(uint16(mleEngine.Rloc16()), from.String(), to.String())
		}
		netInfo.Role = uint8(to)
		netInfo.Rloc16 = mleEngine.Rloc16()
		if err := settingsLayer.SaveNetworkInfo(ctx, *netInfo); err != nil {
			log.Error().Err(err).Msg("meshd: persist network info after role change failed")
		}
	}

	addrCache := addrresolve.New(64, transport, time.Duration(cfg.Mle.ParentResponseWindow))

	go transport.ReceiveLoop(
		func(msgType mle.MessageType, body []byte) {
			log.Debug().Str("msgType", fmt.Sprint(msgType)).Int("len", len(body)).Msg("meshd: received mle datagram")
		},
		func(eid [16]byte) {
			addrCache.HandleAddressNotification(eid, meshcore.InvalidShortAddress)
		},
	)

	security := linksecurity.NewEngine(keys, &frameCounterPersister{settings: settingsLayer, info: netInfo}, netInfo.MacFrameCounter)

	radio := newLoopbackRadio()
	alarm := newOSAlarm()
	random := csprngRandom{}
	scheduler := macsched.New(cfg.Mac, radio, alarm, random, security, extAddress, log)
	scheduler.SetAddressing(cfg.Node.PanID, netInfo.Rloc16)
	if err := scheduler.Enable(); err != nil {
		return fmt.Errorf("enable mac scheduler: %w", err)
	}

	if err := mleEngine.Start(); err != nil {
		return fmt.Errorf("start mle engine: %w", err)
	}
	defer mleEngine.Stop()

	inst := &instance{mle: mleEngine, neighbors: neighbors, netdata: netdataLeader, addrCache: addrCache}
	diagServer := diag.New(inst, log)
	diagErrCh := make(chan error, 1)
	go func() {
		diagErrCh <- diagServer.ListenAndServe(cfg.Diag.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info().
		Str("ext_address", extAddress.String()).
		Str("diag_addr", cfg.Diag.ListenAddr).
		Msg("meshd: node started")

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("meshd: shutting down")
	case err := <-diagErrCh:
		if err != nil {
			log.Error().Err(err).Msg("meshd: diagnostics server stopped unexpectedly")
		}
	}
	return nil
}

// frameCounterPersister adapts the settings layer to
// linksecurity.CounterPersister, updating only the MacFrameCounter field
// of the node's persisted NetworkInfo record.
type frameCounterPersister struct {
	settings *settings.Settings
	info     *settings.NetworkInfo
}

func (p *frameCounterPersister) SaveMacFrameCounter(counter uint32) error {
	p.info.MacFrameCounter = counter
	return p.settings.SaveNetworkInfo(context.Background(), *p.info)
}

func buildSettingsStore(cfg config.SettingsConfig) (settings.Store, func(), error) {
	switch cfg.Backend {
	case "postgres":
		store, err := settings.NewPostgresStore(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return settings.NewMemoryStore(), func() {}, nil
	}
}

func parseExtAddress(hexStr string) (meshcore.ExtAddress, error) {
	var addr meshcore.ExtAddress
	b, err := decodeHex(hexStr, len(addr))
	if err != nil {
		return addr, err
	}
	copy(addr[:], b)
	return addr, nil
}

func parseNetworkKey(hexStr string) ([16]byte, error) {
	var key [16]byte
	b, err := decodeHex(hexStr, len(key))
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}
