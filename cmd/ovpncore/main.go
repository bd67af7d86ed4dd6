// Command ovpncore connects to an OpenVPN server described by a YAML profile
// and routes the tunnel through a TUN device.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"

	"github.com/6ccg/ovpncore/internal/tun"
	"github.com/6ccg/ovpncore/pkg/config"
	"github.com/6ccg/ovpncore/pkg/tunnel"
)

func main() {
	profilePath := flag.String("profile", "", "path to the YAML profile")
	tunName := flag.String("tun", "tun0", "name of the TUN device to create")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *profilePath == "" {
		fmt.Fprintln(os.Stderr, "usage: ovpncore -profile path.yaml [-tun name] [-v]")
		os.Exit(2)
	}
	if err := run(*profilePath, *tunName, *verbose); err != nil {
		log.WithError(err).Error("ovpncore")
		os.Exit(1)
	}
}

func run(profilePath, tunName string, verbose bool) error {
	log.SetHandler(cli.Default)

	file, err := os.Open(profilePath)
	if err != nil {
		return err
	}
	profile, err := config.DecodeProfile(file)
	file.Close()
	if err != nil {
		return err
	}
	options, err := profile.Options(filepath.Dir(profilePath))
	if err != nil {
		return err
	}

	level := log.InfoLevel
	if profile.LogLevel != "" {
		if level, err = log.ParseLevel(profile.LogLevel); err != nil {
			return err
		}
	}
	if verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)

	dev, err := tun.Create(log.Log, tunName, tun.DefaultMTU)
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.NewConfig(config.WithLogger(log.Log), config.WithOpenVPNOptions(options))
	driver := tunnel.NewDriver(cfg, dev,
		tunnel.WithStatsInterval(time.Minute),
		tunnel.WithOnStart(func(remote string, reply *config.PushReply) {
			if reply.IPv4 != nil {
				fmt.Printf("connected to %s: %s/%s\n", remote, reply.IPv4.Address, reply.IPv4.AddressMask)
			}
			if reply.IPv6 != nil {
				fmt.Printf("connected to %s: %s/%d\n", remote, reply.IPv6.Address, reply.IPv6.PrefixLength)
			}
		}),
	)
	return driver.Run(ctx)
}
