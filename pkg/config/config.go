// Package config declares the node's CLI flag schema and turns parsed flags
// into a store.Config plus the handful of RESP-facing server settings
// (bind address, TLS, auth) that this module threads through for the
// external RESP layer but does not itself interpret.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/PaulusParssinen/garnet-sub001/pkg/store"
)

// ServerConfig holds the RESP listener and security settings that aren't
// part of the storage engine proper. TLS/auth/ACL fields are pass-through:
// this module parses them but the external RESP layer interprets them.
type ServerConfig struct {
	Port int
	Bind string

	ClusterTimeout time.Duration
	GossipDelay    time.Duration

	TLS          bool
	CertFile     string
	CertPassword string

	AuthUsername string
	AuthPassword string
	ACLFile      string
}

// Config is the fully resolved node configuration: everything the storage
// engine needs plus everything the RESP server needs.
type Config struct {
	Server ServerConfig
	Store  store.Config
}

// validator checks one cross-field invariant and names the offending field
// on failure. Declared next to the schema so a new flag's constraint lives
// beside the flag itself instead of in a separate sprawling method.
type validator struct {
	field string
	check func(Config) error
}

var validators = []validator{
	{"page-size", func(c Config) error {
		if c.Store.PageSizeBits == 0 {
			return fmt.Errorf("--page-size must be set")
		}
		return nil
	}},
	{"memory-size", func(c Config) error {
		if c.Store.MemorySizeBits < c.Store.PageSizeBits {
			return fmt.Errorf("--memory-size (%d) must be >= --page-size (%d)", c.Store.MemorySizeBits, c.Store.PageSizeBits)
		}
		return nil
	}},
	{"aof-memory-size", func(c Config) error {
		if c.Store.EnableAof && c.Store.AofMemorySizeBits < c.Store.PageSizeBits {
			return fmt.Errorf("--aof-memory-size (%d) must be >= --page-size (%d)", c.Store.AofMemorySizeBits, c.Store.PageSizeBits)
		}
		return nil
	}},
	{"sector-size", func(c Config) error {
		if c.Store.SectorSize <= 0 || c.Store.SectorSize&(c.Store.SectorSize-1) != 0 {
			return fmt.Errorf("--sector-size must be a power of two")
		}
		return nil
	}},
	{"cert-file", func(c Config) error {
		if c.Server.TLS && c.Server.CertFile == "" {
			return fmt.Errorf("--tls requires --cert-file")
		}
		return nil
	}},
	{"acl-file", func(c Config) error {
		if c.Server.ACLFile != "" && c.Server.AuthUsername == "" {
			return fmt.Errorf("--acl-file requires --auth-username to also be set")
		}
		return nil
	}},
}

// Validate runs every registered validator, wrapping the first failure with
// the field name that triggered it.
func (c Config) Validate() error {
	for _, v := range validators {
		if err := v.check(c); err != nil {
			return fmt.Errorf("config: %s: %w", v.field, err)
		}
	}
	return nil
}

// RegisterFlags declares this node's flag schema onto fs with defaults.
// TLS/auth/ACL flags are accepted and threaded into ServerConfig for the
// external RESP layer to interpret; this module never reads their values.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("node-id", "", "this node's cluster identity (random if empty)")
	fs.Int("port", 6379, "RESP listener port")
	fs.String("bind", "0.0.0.0", "RESP listener bind address")
	fs.String("checkpoint-dir", "./data", "directory for checkpoints, logs, and the AOF")
	fs.String("log-dir", "", "directory for structured log output (accepted but not read; logs go to stderr)")

	fs.Bool("enable-aof", true, "enable append-only-file durability")
	fs.Int("commit-frequency-ms", 5, "AOF commit interval in milliseconds (0 disables periodic commit)")
	fs.Uint("aof-memory-size", 25, "AOF in-memory log size, log2 bytes")
	fs.Bool("main-memory-replication", false, "allow best-effort replica sync ahead of durable truncation")
	fs.Bool("fast-commit", false, "commit synchronously after every mutation instead of batching")
	fs.Bool("on-demand-checkpoint", false, "allow CHECKPOINT to be triggered manually over the admin surface (accepted but not read by this module)")
	fs.Bool("enable-incremental-snapshots", true, "stream full snapshots to far-behind replicas instead of rejecting them (accepted but not read by this module)")

	fs.Uint("memory-size", 34, "Main/Object store in-memory log size, log2 bytes")
	fs.Uint("page-size", 25, "allocator page size, log2 bytes")
	fs.Uint("segment-size", 30, "allocator on-disk segment size, log2 bytes")
	fs.Uint("index-size", 20, "hash index bucket count, log2")
	fs.Int("sector-size", 512, "device sector size in bytes, used for aligned I/O")

	fs.Bool("cluster", false, "enable cluster mode")
	fs.Duration("cluster-timeout", 15*time.Second, "time without contact before a node is considered failed")
	fs.Duration("gossip-delay", 100*time.Millisecond, "approximate interval between gossip exchanges")
	fs.Int("send-throttle-max", 16, "max in-flight unacked batches per connected replica before backpressure")

	fs.Int("lock-timeout-ms", 100, "MULTI/EXEC lock wait timeout in milliseconds when fail-fast locking is enabled")
	fs.Bool("fail-fast-on-lock", false, "abort EXEC instead of blocking when a key lock can't be acquired immediately")

	// Pass-through: consumed by the external RESP/auth layer, not this module.
	fs.Bool("tls", false, "require TLS on the RESP listener")
	fs.String("cert-file", "", "PKCS12 certificate bundle path (required when --tls is set)")
	fs.String("cert-password", "", "PKCS12 certificate bundle password")
	fs.String("auth-username", "", "default user's username (empty disables auth)")
	fs.String("auth-password", "", "default user's password")
	fs.String("acl-file", "", "path to an ACL rule file, interpreted by the RESP layer")
}

// FromFlags reads fs (already parsed) into a Config and runs Validate.
func FromFlags(fs *pflag.FlagSet) (Config, error) {
	var cfg Config
	var err error

	cfg.Store.NodeID, err = fs.GetString("node-id")
	if err != nil {
		return cfg, err
	}
	cfg.Server.Port, err = fs.GetInt("port")
	if err != nil {
		return cfg, err
	}
	cfg.Server.Bind, err = fs.GetString("bind")
	if err != nil {
		return cfg, err
	}
	cfg.Server.ClusterTimeout, err = fs.GetDuration("cluster-timeout")
	if err != nil {
		return cfg, err
	}
	cfg.Server.GossipDelay, err = fs.GetDuration("gossip-delay")
	if err != nil {
		return cfg, err
	}
	cfg.Server.TLS, err = fs.GetBool("tls")
	if err != nil {
		return cfg, err
	}
	cfg.Server.CertFile, err = fs.GetString("cert-file")
	if err != nil {
		return cfg, err
	}
	cfg.Server.CertPassword, err = fs.GetString("cert-password")
	if err != nil {
		return cfg, err
	}
	cfg.Server.AuthUsername, err = fs.GetString("auth-username")
	if err != nil {
		return cfg, err
	}
	cfg.Server.AuthPassword, err = fs.GetString("auth-password")
	if err != nil {
		return cfg, err
	}
	cfg.Server.ACLFile, err = fs.GetString("acl-file")
	if err != nil {
		return cfg, err
	}

	cfg.Store.CheckpointDir, err = fs.GetString("checkpoint-dir")
	if err != nil {
		return cfg, err
	}
	cfg.Store.EnableAof, err = fs.GetBool("enable-aof")
	if err != nil {
		return cfg, err
	}
	cfg.Store.AofMemorySizeBits, err = fs.GetUint("aof-memory-size")
	if err != nil {
		return cfg, err
	}
	cfg.Store.MainMemoryReplication, err = fs.GetBool("main-memory-replication")
	if err != nil {
		return cfg, err
	}
	cfg.Store.FastCommit, err = fs.GetBool("fast-commit")
	if err != nil {
		return cfg, err
	}
	cfg.Store.CommitFrequencyMs, err = fs.GetInt("commit-frequency-ms")
	if err != nil {
		return cfg, err
	}

	cfg.Store.MemorySizeBits, err = fs.GetUint("memory-size")
	if err != nil {
		return cfg, err
	}
	cfg.Store.PageSizeBits, err = fs.GetUint("page-size")
	if err != nil {
		return cfg, err
	}
	cfg.Store.SegmentSizeBits, err = fs.GetUint("segment-size")
	if err != nil {
		return cfg, err
	}
	cfg.Store.IndexSizeBits, err = fs.GetUint("index-size")
	if err != nil {
		return cfg, err
	}
	cfg.Store.SectorSize, err = fs.GetInt("sector-size")
	if err != nil {
		return cfg, err
	}

	cfg.Store.ClusterEnabled, err = fs.GetBool("cluster")
	if err != nil {
		return cfg, err
	}
	cfg.Store.SendThrottleMax, err = fs.GetInt("send-throttle-max")
	if err != nil {
		return cfg, err
	}
	cfg.Store.FailFastOnLock, err = fs.GetBool("fail-fast-on-lock")
	if err != nil {
		return cfg, err
	}
	cfg.Store.LockTimeoutMs, err = fs.GetInt("lock-timeout-ms")
	if err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
