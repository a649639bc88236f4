// Package config binds the node's environment, per spec.md §6.2, via
// viper and cobra flags: the bare names spec.md enumerates, with a
// CLUSTERSTORE_-prefixed form also recognized for direct compatibility
// with operators migrating env files between clusters.
package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the class for configuration failures.
var Error = errs.Class("config")

// Config is the fully resolved set of environment options spec.md §6.2
// names.
type Config struct {
	// NodeName is this process's identity among its cluster peers.
	NodeName string
	// NodeNameSeq is the ordered cluster membership; its index
	// determines segment_num = index+1 for this node's own writes.
	NodeNameSeq []string
	// RepositoryPath is the value-file root, REPOSITORY_PATH/<hi>/<lo>/<id>.
	RepositoryPath string
	// LogDir is where the node's zap output is written, if not stderr.
	LogDir string
	// AntiEntropyServerAddresses lists every peer's audit.Service
	// address, transport://host:port.
	AntiEntropyServerAddresses []string
	// DataReaderAddress is this node's reader.Service bind address.
	DataReaderAddress string
	// DataWriterAddress is this node's writer.Service bind address.
	DataWriterAddress string
	// MetricsAddress is the host:port cmd/node serves /metrics on, if
	// set; empty disables the prometheus exposition endpoint.
	MetricsAddress string
}

// SegmentNum returns this node's 1-based position in NodeNameSeq, the
// segment_num it stamps on segments it originates, per spec.md §6.2.
func (c Config) SegmentNum() int {
	for i, name := range c.NodeNameSeq {
		if name == c.NodeName {
			return i + 1
		}
	}
	return 0
}

var envKeys = []string{
	"node-name",
	"node-name-seq",
	"repository-path",
	"log-dir",
	"anti-entropy-server-addresses",
	"data-reader-address",
	"data-writer-address",
	"metrics-address",
}

// BindFlags registers one flag per recognized environment option on cmd,
// so `--node-name` and the bare/prefixed env vars all resolve to the
// same viper key.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.String("node-name", "", "this node's identity among its cluster peers")
	flags.StringSlice("node-name-seq", nil, "ordered cluster membership")
	flags.String("repository-path", "", "value-file root directory")
	flags.String("log-dir", "", "directory for log output, empty for stderr")
	flags.StringSlice("anti-entropy-server-addresses", nil, "peer audit service addresses")
	flags.String("data-reader-address", "", "this node's reader service bind address")
	flags.String("data-writer-address", "", "this node's writer service bind address")
	flags.String("metrics-address", "", "host:port to serve /metrics on, empty disables it")

	for _, key := range envKeys {
		if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// NewViper returns a viper instance recognizing both the bare
// environment names spec.md §6.2 enumerates (NODE_NAME, ...) and a
// CLUSTERSTORE_-prefixed form, bare names taking precedence when both
// are set.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range envKeys {
		bare := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		_ = v.BindEnv(key, bare, "CLUSTERSTORE_"+bare)
	}
	return v
}

// Load resolves a Config from v, which must already have flags bound via
// BindFlags and environment variables read by the caller (cobra/viper
// wiring happens in cmd/node).
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		NodeName:                   v.GetString("node-name"),
		NodeNameSeq:                v.GetStringSlice("node-name-seq"),
		RepositoryPath:             v.GetString("repository-path"),
		LogDir:                     v.GetString("log-dir"),
		AntiEntropyServerAddresses: v.GetStringSlice("anti-entropy-server-addresses"),
		DataReaderAddress:          v.GetString("data-reader-address"),
		DataWriterAddress:          v.GetString("data-writer-address"),
		MetricsAddress:             v.GetString("metrics-address"),
	}
	if cfg.NodeName == "" {
		return Config{}, Error.New("node-name is required")
	}
	if cfg.RepositoryPath == "" {
		return Config{}, Error.New("repository-path is required")
	}
	return cfg, nil
}
