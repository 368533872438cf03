// Package config loads node configuration from the environment. The node
// process takes no flags; everything that varies between deployments is an
// environment variable with a default that matches a 10-node cluster.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Partitioner names accepted by PARTITIONER.
const (
	PartitionRange = "range"
	PartitionHash  = "hash"
)

// Config is the full set of tunables for one node.
type Config struct {
	SelfAddr       string   // stable node identifier, host:basePort
	ClusterAddrs   []string // the fixed ring, sorted
	IntroducerAddr string   // bootstrap node and job master

	DataDir string
	LogFile string

	ReplicationFactor int
	NumBuckets        int
	HeartbeatFanout   int

	HeartbeatInterval time.Duration
	SuspectTimeout    time.Duration
	EraseTimeout      time.Duration

	WriteWait      time.Duration // overwrite freshness window, 0 disables confirmation
	ConfirmTimeout time.Duration

	ReassignGrace    time.Duration
	MaxReassignments int
	FreeWorkerWait   time.Duration
	Partitioner      string

	EtcdEndpoints []string
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through lookup, which makes it testable
// without touching the real environment.
func LoadFrom(lookup func(string) string) (Config, error) {
	get := func(k, def string) string {
		if v := strings.TrimSpace(lookup(k)); v != "" {
			return v
		}
		return def
	}

	var errs []string
	intVar := func(k string, def int) int {
		v := get(k, "")
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Sprintf("%s=%q is not a non-negative integer", k, v))
			return def
		}
		return n
	}
	msVar := func(k string, def time.Duration) time.Duration {
		return time.Duration(intVar(k, int(def/time.Millisecond))) * time.Millisecond
	}

	c := Config{
		SelfAddr:          get("SELF_ADDR", "127.0.0.1:8000"),
		DataDir:           get("DATA_DIR", "files"),
		LogFile:           get("LOG_FILE", "node.log"),
		ReplicationFactor: intVar("REPLICATION_FACTOR", 4),
		NumBuckets:        intVar("NUM_BUCKETS", 10),
		HeartbeatFanout:   intVar("HEARTBEAT_FANOUT", 3),
		HeartbeatInterval: msVar("HEARTBEAT_INTERVAL_MS", 500*time.Millisecond),
		SuspectTimeout:    msVar("SUSPECT_TIMEOUT_MS", 3000*time.Millisecond),
		EraseTimeout:      msVar("ERASE_TIMEOUT_MS", 4000*time.Millisecond),
		WriteWait:         msVar("WRITE_WAIT_MS", 0),
		ConfirmTimeout:    msVar("CONFIRM_TIMEOUT_MS", 30*time.Second),
		ReassignGrace:     msVar("REASSIGN_GRACE_MS", 12*time.Second),
		MaxReassignments:  intVar("MAX_REASSIGNMENTS", 3),
		FreeWorkerWait:    msVar("FREE_WORKER_WAIT_MS", time.Minute),
		Partitioner:       get("PARTITIONER", PartitionRange),
		EtcdEndpoints:     splitList(get("ETCD_ENDPOINTS", "")),
	}

	c.ClusterAddrs = splitList(get("CLUSTER_ADDRS", c.SelfAddr))
	if !slices.Contains(c.ClusterAddrs, c.SelfAddr) {
		c.ClusterAddrs = append(c.ClusterAddrs, c.SelfAddr)
	}
	slices.Sort(c.ClusterAddrs)
	c.IntroducerAddr = get("INTRODUCER_ADDR", c.ClusterAddrs[0])

	if c.Partitioner != PartitionRange && c.Partitioner != PartitionHash {
		errs = append(errs, fmt.Sprintf("PARTITIONER=%q must be %q or %q", c.Partitioner, PartitionRange, PartitionHash))
	}
	if c.ReplicationFactor == 0 || c.NumBuckets == 0 || c.HeartbeatFanout == 0 {
		errs = append(errs, "REPLICATION_FACTOR, NUM_BUCKETS and HEARTBEAT_FANOUT must be positive")
	}
	if c.EraseTimeout == 0 || c.SuspectTimeout == 0 || c.HeartbeatInterval == 0 {
		errs = append(errs, "heartbeat, suspect and erase timeouts must be positive")
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// SDFSDir holds the replicas stored on this node.
func (c Config) SDFSDir() string { return filepath.Join(c.DataDir, "sdfs") }

// FetchedDir stages files fetched from the store and mission scratch space.
func (c Config) FetchedDir() string { return filepath.Join(c.DataDir, "fetched") }

// LocalDir resolves relative local paths in put and get commands.
func (c Config) LocalDir() string { return filepath.Join(c.DataDir, "local") }

// IsMaster reports whether this node runs the job scheduler.
func (c Config) IsMaster() bool { return c.SelfAddr == c.IntroducerAddr }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
