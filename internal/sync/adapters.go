package sync

import (
	"go.uber.org/zap"

	"github.com/meschain/meschain-sync/internal/bandwidth"
	"github.com/meschain/meschain-sync/internal/config"
	"github.com/meschain/meschain-sync/internal/marketplace"
)

// NewAdapterRegistry builds the adapters of every enabled marketplace. Each
// adapter reports its traffic to the bandwidth monitor of its scope.
func NewAdapterRegistry(cfg *config.SyncConfig, bw *bandwidth.Registry, logger *zap.Logger) (*marketplace.Registry, error) {
	var configured []marketplace.Configured
	for _, name := range cfg.EnabledMarketplaces() {
		mp, err := marketplace.Parse(name)
		if err != nil {
			return nil, err
		}
		mc, _ := cfg.Marketplace(name)
		configured = append(configured, marketplace.Configured{
			Marketplace: mp,
			Settings: marketplace.Settings{
				BaseURL:   mc.BaseURL,
				APIKey:    mc.APIKey,
				APISecret: mc.APISecret,
				SellerID:  mc.SellerID,
				Timeout:   cfg.TimeoutFor(name),
			},
			Recorder: bw.For(name),
		})
	}
	return marketplace.BuildRegistry(configured, logger)
}

// NewBandwidthRegistry builds the bandwidth monitors described by cfg
func NewBandwidthRegistry(cfg *config.SyncConfig) *bandwidth.Registry {
	return bandwidth.NewRegistry(bandwidth.Scope(cfg.Bandwidth.Scope), bandwidth.Thresholds{
		HighTraffic: cfg.Bandwidth.HighTraffic,
		Overload:    cfg.Bandwidth.Overload,
		Critical:    cfg.Bandwidth.Critical,
	})
}
