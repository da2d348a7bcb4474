package config

import (
	"github.com/spf13/cobra"
)

// BindFlags registers the node's CLI surface on cmd as flat, top-level
// flags on the root command. Call FromFlags after cmd.Execute has
// parsed args.
func BindFlags(cmd *cobra.Command) {
	d := Default()

	flags := cmd.Flags()
	flags.String("provider", d.Provider, "replication provider: \"none\" for the built-in no-op; any other value selects the built-in Raft provider (no library is loaded)")
	flags.String("address", "", "group address; empty means no address given")
	flags.String("options", "", "provider-specific configuration string")
	flags.String("name", d.Name, "human-readable node name")
	flags.String("data-dir", d.DataDir, "directory for provider state files")
	flags.String("base-host", d.BaseHost, "listen host")
	flags.Int("base-port", d.BasePort, "listen port; port+2 is the SST port")
	flags.Int("masters", d.Masters, "master worker pool size")
	flags.Int("slaves", d.Slaves, "slave worker pool size")
	flags.Int("size", d.Size, "desired write-set size in bytes (lower bound)")
	flags.Int("records", d.Records, "number of records in the store")
	flags.Int("ops", d.Ops, "operations per transaction")
	flags.Int("delay", d.DelayMS, "inter-commit delay in ms, per master thread")
	flags.Int("period", d.PeriodS, "stats print interval in seconds")
	flags.Bool("bootstrap", false, "bootstrap a new primary (default true iff --address is empty)")
	flags.String("config", "", "optional YAML file seeding these flags")
}

// FromFlags reads cmd's parsed flags into a Config, starting from
// Default and applying an optional --config file before the explicit
// flags so that command-line values always win.
func FromFlags(cmd *cobra.Command) (Config, error) {
	cfg := Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		merged, err := LoadFile(path, cfg)
		if err != nil {
			return Config{}, err
		}
		cfg = merged
	}

	flags := cmd.Flags()
	if v, err := flags.GetString("provider"); err == nil && flags.Changed("provider") {
		cfg.Provider = v
	}
	if v, err := flags.GetString("address"); err == nil && flags.Changed("address") {
		cfg.Address = v
	}
	if v, err := flags.GetString("options"); err == nil && flags.Changed("options") {
		cfg.Options = v
	}
	if v, err := flags.GetString("name"); err == nil && flags.Changed("name") {
		cfg.Name = v
	}
	if v, err := flags.GetString("data-dir"); err == nil && flags.Changed("data-dir") {
		cfg.DataDir = v
	}
	if v, err := flags.GetString("base-host"); err == nil && flags.Changed("base-host") {
		cfg.BaseHost = v
	}
	if v, err := flags.GetInt("base-port"); err == nil && flags.Changed("base-port") {
		cfg.BasePort = v
	}
	if v, err := flags.GetInt("masters"); err == nil && flags.Changed("masters") {
		cfg.Masters = v
	}
	if v, err := flags.GetInt("slaves"); err == nil && flags.Changed("slaves") {
		cfg.Slaves = v
	}
	if v, err := flags.GetInt("size"); err == nil && flags.Changed("size") {
		cfg.Size = v
	}
	if v, err := flags.GetInt("records"); err == nil && flags.Changed("records") {
		cfg.Records = v
	}
	if v, err := flags.GetInt("ops"); err == nil && flags.Changed("ops") {
		cfg.Ops = v
	}
	if v, err := flags.GetInt("delay"); err == nil && flags.Changed("delay") {
		cfg.DelayMS = v
	}
	if v, err := flags.GetInt("period"); err == nil && flags.Changed("period") {
		cfg.PeriodS = v
	}
	if flags.Changed("bootstrap") {
		v, err := flags.GetBool("bootstrap")
		if err != nil {
			return Config{}, err
		}
		cfg.Bootstrap = &v
	}

	return cfg, nil
}
