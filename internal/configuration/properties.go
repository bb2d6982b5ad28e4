package configuration

import (
	"time"
)

type Properties struct {
	App        AppProperties        `yaml:"app"`
	Node       NodeProperties       `yaml:"node"`
	Transport  TransportProperties  `yaml:"transport"`
	Raft       RaftProperties       `yaml:"raft"`
	Membership MembershipProperties `yaml:"membership"`
	Registry   RegistryProperties   `yaml:"registry"`
	Pipeline   PipelineProperties   `yaml:"pipeline"`
	Cache      CacheProperties      `yaml:"cache"`
	Snapshot   SnapshotProperties   `yaml:"snapshot"`
	Resolver   ResolverProperties   `yaml:"resolver"`
	Metrics    MetricsProperties    `yaml:"metrics"`
	Telemetry  TelemetryProperties  `yaml:"telemetry"`
}

type AppProperties struct {
	Profile  string `yaml:"profile" env:"AREASTATE_PROFILE"`
	LogLevel string `yaml:"log-level" env:"AREASTATE_LOG_LEVEL"`
}

type NodeProperties struct {
	KeyFile string  `yaml:"key-file" env:"AREASTATE_KEY_FILE"`
	DataDir string  `yaml:"data-dir" env:"AREASTATE_DATA_DIR"`
	Region  string  `yaml:"region" env:"AREASTATE_REGION"`
	Stake   float64 `yaml:"stake" env:"AREASTATE_STAKE"`
	// Address peers use to reach this node; defaults to the listen address.
	AdvertiseAddress string `yaml:"advertise-address" env:"AREASTATE_ADVERTISE_ADDRESS"`
}

type TransportProperties struct {
	Network              string        `yaml:"network"`
	Address              string        `yaml:"address" env:"AREASTATE_LISTEN_ADDRESS"`
	Port                 string        `yaml:"port" env:"AREASTATE_PORT"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxConcurrentStreams uint32        `yaml:"max-concurrent-streams"`
	SendQueueSize        int           `yaml:"send-queue-size"`
	Seeds                []string      `yaml:"seeds" env:"AREASTATE_SEEDS" envSeparator:","`
}

type EtcdProperties struct {
	ElectionTick              int    `yaml:"election-tick"`
	HeartbeatTick             int    `yaml:"heartbeat-tick"`
	MaxSizePerMsg             uint64 `yaml:"max-size-per-msg"`
	MaxInflightMsgs           int    `yaml:"max-inflight-msgs"`
	MaxUncommittedEntriesSize uint64 `yaml:"max-uncommitted-entries-size"`
	PreVote                   bool   `yaml:"pre-vote"`
	CheckQuorum               bool   `yaml:"check-quorum"`
}

type WriteAheadLogProperties struct {
	NoSync bool `yaml:"no-sync" env:"AREASTATE_WAL_NO_SYNC"`
}

type RaftProperties struct {
	TickInterval           time.Duration           `yaml:"tick-interval"`
	StepInboxSize          uint64                  `yaml:"step-inbox-size"`
	PromotionThreshold     uint64                  `yaml:"promotion-threshold"`
	PromotionCheckInterval time.Duration           `yaml:"promotion-check-interval"`
	DrainTimeout           time.Duration           `yaml:"drain-timeout"`
	Etcd                   EtcdProperties          `yaml:"etcd"`
	Wal                    WriteAheadLogProperties `yaml:"wal"`
}

type MembershipProperties struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat-interval"`
	SuspectAfter         int           `yaml:"suspect-after"`
	DeadAfter            int           `yaml:"dead-after"`
	InitialParticipation float64       `yaml:"initial-participation"`
	ParticipationStep    float64       `yaml:"participation-step"`
	RejectionPenalty     float64       `yaml:"rejection-penalty"`
	UptimeAlpha          float64       `yaml:"uptime-alpha"`
	MinLeaderTrust       float64       `yaml:"min-leader-trust"`
}

type StaticArea struct {
	ID string `yaml:"id"`
	// Replicas are hex node ids; empty means "rank and pick".
	Replicas []string `yaml:"replicas"`
}

type RegistryProperties struct {
	MinQuorum         int           `yaml:"min-quorum"`
	DefaultReplicas   int           `yaml:"default-replicas"`
	RebalanceInterval time.Duration `yaml:"rebalance-interval"`
	Areas             []StaticArea  `yaml:"areas"`
}

type PipelineProperties struct {
	ProposalTimeout time.Duration `yaml:"proposal-timeout"`
	Retention       time.Duration `yaml:"retention"`
	GCInterval      time.Duration `yaml:"gc-interval"`
}

type CacheProperties struct {
	Capacity int `yaml:"capacity"`
}

type SnapshotProperties struct {
	EntryThreshold uint64        `yaml:"entry-threshold"`
	Interval       time.Duration `yaml:"interval"`
	DBPath         string        `yaml:"db-path" env:"AREASTATE_SNAPSHOT_DB"`
	Retained       int           `yaml:"retained"`
}

type ResolverProperties struct {
	PreferRankedLeader bool          `yaml:"prefer-ranked-leader"`
	CatchUpInterval    time.Duration `yaml:"catch-up-interval"`
}

type MetricsProperties struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" env:"AREASTATE_METRICS_ADDRESS"`
}

type TelemetryProperties struct {
	Endpoint    string `yaml:"endpoint" env:"AREASTATE_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service-name"`
}

func (c *TransportProperties) ListenAddr() string {
	return c.Address + ":" + c.Port
}
