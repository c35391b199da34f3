// Package config provides configuration management for skill-mill.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the per-project configuration file.
	ConfigFileName = "skillmill.yaml"
	// DefaultServerAddr is the audit server listen address.
	DefaultServerAddr = ":8931"
	// EnvRoot overrides the project root directory.
	EnvRoot = "SKILLMILL_ROOT"
)

// Clustering holds the tunable weights and thresholds of the clustering
// engine. These are parameters, not correctness invariants.
type Clustering struct {
	TagWeight           float64 `yaml:"tag_weight"`
	TriggerWeight       float64 `yaml:"trigger_weight"`
	AssignThreshold     float64 `yaml:"assign_threshold"`
	MergeThreshold      float64 `yaml:"merge_threshold"`
	PurityThreshold     float64 `yaml:"purity_threshold"`
	AuditMinSize        int     `yaml:"audit_min_size"`
	SplitBoost          float64 `yaml:"split_boost"`
	SignatureTopTags    int     `yaml:"signature_top_tags"`
	SignatureTopPhrases int     `yaml:"signature_top_phrases"`
	MinBucketSize       int     `yaml:"min_bucket_size"`
}

// Enrichment configures the tag-enrichment oracle boundary.
type Enrichment struct {
	Enabled        bool `yaml:"enabled"`
	BatchCards     int  `yaml:"batch_cards"`
	BatchTokens    int  `yaml:"batch_tokens"`
	TimeoutSecs    int  `yaml:"timeout_seconds"`
	MaxRetries     int  `yaml:"max_retries"`
	BackoffBaseMS  int  `yaml:"backoff_base_ms"`
	BackoffMaxMS   int  `yaml:"backoff_max_ms"`
}

// Timeout returns the per-call oracle timeout.
func (e Enrichment) Timeout() time.Duration { return time.Duration(e.TimeoutSecs) * time.Second }

// BackoffBase returns the initial retry backoff.
func (e Enrichment) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling.
func (e Enrichment) BackoffMax() time.Duration {
	return time.Duration(e.BackoffMaxMS) * time.Millisecond
}

// Synthesis configures the skill synthesis oracle boundary.
type Synthesis struct {
	Enabled       bool `yaml:"enabled"`
	TimeoutSecs   int  `yaml:"timeout_seconds"`
	MaxRetries    int  `yaml:"max_retries"`
	BackoffBaseMS int  `yaml:"backoff_base_ms"`
	BackoffMaxMS  int  `yaml:"backoff_max_ms"`
	// MaxClusters caps how many clusters are synthesized per run.
	// Zero means all.
	MaxClusters int `yaml:"max_clusters"`
}

// Timeout returns the per-call oracle timeout.
func (s Synthesis) Timeout() time.Duration { return time.Duration(s.TimeoutSecs) * time.Second }

// BackoffBase returns the initial retry backoff.
func (s Synthesis) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling.
func (s Synthesis) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxMS) * time.Millisecond
}

// Config is the full skill-mill configuration.
type Config struct {
	Root        string `yaml:"root"`
	CorpusDir   string `yaml:"corpus_dir"`
	WorkDir     string `yaml:"work_dir"`
	CorpusGlob  string `yaml:"corpus_glob"`
	StatePath   string `yaml:"state_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int    `yaml:"max_conns"`
	Workers     int    `yaml:"workers"`
	ServerAddr  string `yaml:"server_addr"`
	RedisAddr   string `yaml:"redis_addr"`
	GraphAddr   string `yaml:"graph_addr"`

	Clustering Clustering `yaml:"clustering"`
	Enrichment Enrichment `yaml:"enrichment"`
	Synthesis  Synthesis  `yaml:"synthesis"`

	// DomainRollups maps a rollup domain to the synonyms it absorbs.
	DomainRollups map[string][]string `yaml:"domain_rollups"`
	// Vocabularies constrain which tags an enrichment response may add.
	DomainVocabulary  []string `yaml:"domain_vocabulary"`
	PatternVocabulary []string `yaml:"pattern_vocabulary"`
}

// Default returns the configuration defaults.
func Default() *Config {
	root := os.Getenv(EnvRoot)
	if root == "" {
		root = "."
	}
	return &Config{
		Root:       root,
		CorpusDir:  "corpus",
		WorkDir:    "work",
		CorpusGlob: "*.md",
		MaxConns:   4,
		Workers:    0, // 0 means GOMAXPROCS
		ServerAddr: DefaultServerAddr,
		Clustering: Clustering{
			TagWeight:           0.7,
			TriggerWeight:       0.3,
			AssignThreshold:     0.35,
			MergeThreshold:      0.55,
			PurityThreshold:     0.30,
			AuditMinSize:        10,
			SplitBoost:          0.15,
			SignatureTopTags:    8,
			SignatureTopPhrases: 5,
			MinBucketSize:       1,
		},
		Enrichment: Enrichment{
			Enabled:       true,
			BatchCards:    16,
			BatchTokens:   6000,
			TimeoutSecs:   60,
			MaxRetries:    3,
			BackoffBaseMS: 2000,
			BackoffMaxMS:  30000,
		},
		Synthesis: Synthesis{
			Enabled:       true,
			TimeoutSecs:   120,
			MaxRetries:    2,
			BackoffBaseMS: 2000,
			BackoffMaxMS:  30000,
		},
		DomainRollups:     DefaultDomainRollups(),
		DomainVocabulary:  DefaultDomainVocabulary(),
		PatternVocabulary: DefaultPatternVocabulary(),
	}
}

// Load reads the config file under root (or the path given), falling back
// to defaults when the file is absent.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = filepath.Join(cfg.Root, ConfigFileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults fills zero values left by a partial config file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Root == "" {
		c.Root = d.Root
	}
	if c.CorpusDir == "" {
		c.CorpusDir = d.CorpusDir
	}
	if c.WorkDir == "" {
		c.WorkDir = d.WorkDir
	}
	if c.CorpusGlob == "" {
		c.CorpusGlob = d.CorpusGlob
	}
	if c.MaxConns == 0 {
		c.MaxConns = d.MaxConns
	}
	if c.ServerAddr == "" {
		c.ServerAddr = d.ServerAddr
	}
	if c.Clustering.TagWeight == 0 && c.Clustering.TriggerWeight == 0 {
		c.Clustering = d.Clustering
	}
	if c.Enrichment.BatchCards == 0 {
		c.Enrichment = d.Enrichment
	}
	if c.Synthesis.TimeoutSecs == 0 {
		c.Synthesis = d.Synthesis
	}
	if len(c.DomainRollups) == 0 {
		c.DomainRollups = d.DomainRollups
	}
	if len(c.DomainVocabulary) == 0 {
		c.DomainVocabulary = d.DomainVocabulary
	}
	if len(c.PatternVocabulary) == 0 {
		c.PatternVocabulary = d.PatternVocabulary
	}
}

// Validate rejects configurations that would break clustering invariants.
func (c *Config) Validate() error {
	cl := c.Clustering
	if cl.AssignThreshold <= 0 || cl.AssignThreshold >= 1 {
		return fmt.Errorf("assign_threshold must be in (0,1), got %v", cl.AssignThreshold)
	}
	if cl.MergeThreshold <= cl.AssignThreshold {
		return fmt.Errorf("merge_threshold (%v) must exceed assign_threshold (%v)",
			cl.MergeThreshold, cl.AssignThreshold)
	}
	if cl.PurityThreshold <= 0 || cl.PurityThreshold >= 1 {
		return fmt.Errorf("purity_threshold must be in (0,1), got %v", cl.PurityThreshold)
	}
	if cl.AuditMinSize < 2 {
		return fmt.Errorf("audit_min_size must be at least 2, got %d", cl.AuditMinSize)
	}
	if w := cl.TagWeight + cl.TriggerWeight; w <= 0 {
		return fmt.Errorf("tag_weight + trigger_weight must be positive, got %v", w)
	}
	return nil
}

// SaveTo writes the config as YAML to the given path.
func (c *Config) SaveTo(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// CorpusPath returns the corpus directory.
func (c *Config) CorpusPath() string { return filepath.Join(c.Root, c.CorpusDir) }

// WorkPath returns the work directory root.
func (c *Config) WorkPath() string { return filepath.Join(c.Root, c.WorkDir) }

// ExtractionsDir holds one extraction record JSON per document.
func (c *Config) ExtractionsDir() string { return filepath.Join(c.WorkPath(), "extractions") }

// CardsDir holds one doc card JSON per document.
func (c *Config) CardsDir() string { return filepath.Join(c.WorkPath(), "cards") }

// EnrichedCardsDir holds cards after oracle enrichment.
func (c *Config) EnrichedCardsDir() string { return filepath.Join(c.WorkPath(), "cards_enriched") }

// BucketsDir holds the bucket partition files.
func (c *Config) BucketsDir() string { return filepath.Join(c.WorkPath(), "buckets") }

// ClustersIncrementalDir holds per-bucket clustering output.
func (c *Config) ClustersIncrementalDir() string {
	return filepath.Join(c.WorkPath(), "clusters", "incremental")
}

// ClustersFinalDir holds clusters after merge and purity audit.
func (c *Config) ClustersFinalDir() string { return filepath.Join(c.WorkPath(), "clusters", "final") }

// ManifestsDir holds finalized cluster manifests.
func (c *Config) ManifestsDir() string { return filepath.Join(c.WorkPath(), "manifests") }

// ReportsDir holds run summaries and quality reports.
func (c *Config) ReportsDir() string { return filepath.Join(c.WorkPath(), "reports") }

// SkillsDir holds synthesized skill bundles.
func (c *Config) SkillsDir() string { return filepath.Join(c.WorkPath(), "skills") }

// StateDBPath returns the SQLite state database path.
func (c *Config) StateDBPath() string {
	if c.StatePath != "" {
		return c.StatePath
	}
	return filepath.Join(c.WorkPath(), "state", "skill-mill.db")
}

// EnsureDirs creates the work directory tree.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.ExtractionsDir(),
		c.CardsDir(),
		c.EnrichedCardsDir(),
		c.BucketsDir(),
		c.ClustersIncrementalDir(),
		c.ClustersFinalDir(),
		c.ManifestsDir(),
		c.ReportsDir(),
		c.SkillsDir(),
		filepath.Dir(c.StateDBPath()),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
