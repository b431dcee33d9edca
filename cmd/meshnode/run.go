package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"meshvpn/internal/config"
	"meshvpn/internal/core"
	"meshvpn/internal/device"
	"meshvpn/internal/logging"
	"meshvpn/internal/portmap"
	"meshvpn/internal/pprofutil"
	"meshvpn/internal/transport"
	"meshvpn/internal/vpncrypto"
)

func runCmd() *cobra.Command {
	var (
		cfgPath  string
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				cfg, err = config.Load(cfgPath)
				if err != nil {
					return err
				}
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			logging.Setup(cfg.LogLevel)
			if err := pprofutil.StartFromEnv(); err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	return cmd
}

func runNode(ctx context.Context, cfg config.Config) error {
	dev, err := openDevice(cfg)
	if err != nil {
		return fmt.Errorf("%w: device: %v", core.ErrFatalSetup, err)
	}
	conn, err := openTransport(ctx, cfg)
	if err != nil {
		dev.Close()
		return fmt.Errorf("%w: transport: %v", core.ErrFatalSetup, err)
	}

	var ident *vpncrypto.Identity
	if cfg.KeyDir != "" {
		ident, err = vpncrypto.LoadIdentity(cfg.KeyDir)
		if err != nil {
			dev.Close()
			conn.Close()
			return fmt.Errorf("%w: identity: %v", core.ErrFatalSetup, err)
		}
	}

	var mapper portmap.Provider
	if cfg.PortMapping {
		// External mappings would come from UPnP/NAT-PMP; until then the
		// provider stays empty and gossip carries no self addresses.
		mapper = portmap.None
	}

	node, err := core.New(cfg, dev, conn, ident, mapper)
	if err != nil {
		dev.Close()
		conn.Close()
		return fmt.Errorf("%w: %v", core.ErrFatalSetup, err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return node.Run(ctx)
}

func openDevice(cfg config.Config) (device.Device, error) {
	switch cfg.DeviceType {
	case config.DeviceTun:
		return device.OpenTun(cfg.DeviceName, cfg.MTU)
	case config.DeviceTap:
		return device.OpenTap(cfg.DeviceName)
	case config.DeviceDummy:
		return device.NewDummy(cfg.DeviceName), nil
	}
	return nil, fmt.Errorf("unknown device type %q", cfg.DeviceType)
}

func openTransport(ctx context.Context, cfg config.Config) (net.PacketConn, error) {
	switch cfg.Relay.Kind {
	case "":
		return transport.ListenUDP(cfg.ListenAddr())
	case "ws":
		return transport.DialWebsocketRelay(cfg.Relay.URL)
	case "quic":
		return transport.DialQUICRelay(ctx, cfg.Relay.URL)
	}
	return nil, fmt.Errorf("unknown relay kind %q", cfg.Relay.Kind)
}
