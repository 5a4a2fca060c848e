// Command ovn-docker-plugin serves the Docker libnetwork out-of-process
// network-driver RPC, programming Open vSwitch and OVN to attach
// container workloads to logical switches, routers and the transit
// topology.
package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/docker/go-plugins-helpers/network"

	"ovn-docker-plugin/internal/bootstrap"
	"ovn-docker-plugin/internal/config"
	"ovn-docker-plugin/internal/driver"
	"ovn-docker-plugin/internal/log"
	"ovn-docker-plugin/internal/ovsclient"
	"ovn-docker-plugin/internal/store"
)

func main() {
	cfg := config.Load()
	logger := log.New(cfg.LogLevel)
	ctx := context.Background()

	logger.Info("starting", "chassis", cfg.ChassisID, "bridge", cfg.Bridge, "dataDir", cfg.DataDir)

	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		logger.Error(err, "failed to initialize persistent store")
		os.Exit(1)
	}

	ovs, err := ovsclient.Connect(ctx, cfg.OVSSocket, logger)
	if err != nil {
		logger.Error(err, "failed to connect to OVSDB", "endpoint", cfg.OVSSocket)
		os.Exit(1)
	}

	bs, err := bootstrap.New(logger)
	if err != nil {
		logger.Error(err, "failed to initialize central bootstrapper")
		os.Exit(1)
	}

	d := driver.New(logger, st, ovs, bs, cfg.Bridge)
	d.Recover()

	pluginDir := filepath.Dir(cfg.PluginSocket)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		logger.Error(err, "failed to create plugin socket directory", "dir", pluginDir)
		os.Exit(1)
	}
	os.Remove(cfg.PluginSocket)

	handler := network.NewHandler(d)
	logger.Info("listening for network-driver RPC", "socket", cfg.PluginSocket)
	if err := handler.ServeUnix(cfg.PluginSocket, 0); err != nil {
		logger.Error(err, "plugin server exited", "socket", cfg.PluginSocket)
		os.Exit(1)
	}
}
