package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"update-catalog/catalog"
	"update-catalog/upstream"
)

const (
	defaultDB         = "catalog.db"
	defaultListenAddr = ":8080"
)

// options holds raw flag values. A flag overrides the config file only when
// it was set on the command line.
type options struct {
	configPath        string
	db                string
	debug             bool
	listenAddr        string
	refreshInterval   time.Duration
	enabledCategories string
	enabledProducts   string
	endpoint          string
	upstreamTimeout   time.Duration
}

func (o *options) bind(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.StringVar(&o.configPath, "config", "", "YAML config file path.")
	f.StringVar(&o.db, "db", defaultDB, "SQLite database path.")
	f.BoolVar(&o.debug, "debug", false, "Enable debug logs and disable upstream throttling.")
	f.StringVar(&o.listenAddr, "listen", defaultListenAddr, "Read API listen address.")
	f.DurationVar(&o.refreshInterval, "refresh-interval", catalog.DefaultRefreshInterval, "Time between metadata refreshes.")
	f.StringVar(&o.enabledCategories, "categories", "", "Comma-separated enabled classification ids. Overrides config.")
	f.StringVar(&o.enabledProducts, "products", "", "Comma-separated enabled product ids. Overrides config.")
	f.StringVar(&o.endpoint, "endpoint", "", "Upstream base URL (default "+upstream.DefaultBaseURL+").")
	f.DurationVar(&o.upstreamTimeout, "upstream-timeout", 0, "Per-request upstream timeout (e.g. 90s, 3m).")
}

// settings is the merged configuration for one command.
type settings struct {
	DB               string
	Debug            bool
	ListenAddr       string
	RefreshInterval  time.Duration
	Selection        catalog.Selection
	Endpoint         string
	UpstreamTimeout  time.Duration
	RateLimitPerHour int
	RateLimitBurst   int
}

func (o *options) settings(cmd *cobra.Command) (settings, error) {
	fileCfg := &catalog.FileConfig{}
	if o.configPath != "" {
		cfg, err := catalog.LoadConfig(o.configPath)
		if err != nil {
			return settings{}, fmt.Errorf("load config: %w", err)
		}
		fileCfg = cfg
	}
	changed := cmd.Flags().Changed

	s := settings{
		DB:               fileCfg.DB,
		Debug:            fileCfg.Debug,
		ListenAddr:       fileCfg.ListenAddr,
		RefreshInterval:  fileCfg.RefreshInterval.Duration(),
		Endpoint:         fileCfg.Upstream.Endpoint,
		UpstreamTimeout:  fileCfg.Upstream.Timeout,
		RateLimitPerHour: fileCfg.API.RateLimitPerHour,
		RateLimitBurst:   fileCfg.API.RateLimitBurst,
	}
	if s.DB == "" || changed("db") {
		s.DB = o.db
	}
	if changed("debug") {
		s.Debug = o.debug
	}
	if s.ListenAddr == "" || changed("listen") {
		s.ListenAddr = o.listenAddr
	}
	if changed("refresh-interval") {
		s.RefreshInterval = o.refreshInterval
	}
	if changed("endpoint") {
		s.Endpoint = o.endpoint
	}
	if changed("upstream-timeout") {
		s.UpstreamTimeout = o.upstreamTimeout
	}

	categories := fileCfg.EnabledCategories.IDs
	if changed("categories") {
		categories = catalog.SplitCSV(o.enabledCategories)
	}
	products := fileCfg.EnabledProducts.IDs
	if changed("products") {
		products = catalog.SplitCSV(o.enabledProducts)
	}
	sel, err := catalog.NewSelection(categories, products)
	if err != nil {
		return settings{}, err
	}
	if err := sel.Validate(); err != nil {
		return settings{}, fmt.Errorf("%w (use config enabled_categories/enabled_products or --categories/--products)", err)
	}
	s.Selection = sel
	return s, nil
}
