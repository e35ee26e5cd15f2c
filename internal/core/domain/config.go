package domain

import "time"

// LLMProviderConfig configures the OpenAI-compatible generation service.
type LLMProviderConfig struct {
	Provider     string        `yaml:"provider"` // "openai" (any compatible API) or "ollama"
	BaseURL      string        `yaml:"base_url"` // "http://localhost:11434/v1" or "https://api.openai.com/v1"
	APIKey       string        `yaml:"api_key"`  // may be "enc:" encrypted
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// PublisherConfig configures the webhook publisher.
type PublisherConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"` // may be "enc:" encrypted
	Timeout  time.Duration `yaml:"timeout"`
}

// OrchestratorConfig tunes the job orchestrator.
type OrchestratorConfig struct {
	MaxConcurrent   int                   `yaml:"max_concurrent"`
	MaxRetries      int                   `yaml:"max_retries"`
	BaseDelay       time.Duration         `yaml:"base_delay"`
	FreshnessWindow time.Duration         `yaml:"freshness_window"`
	Retention       time.Duration         `yaml:"retention"`
	SweepInterval   time.Duration         `yaml:"sweep_interval"`
	Dependencies    map[JobType][]JobType `yaml:"dependencies"`
}

// TriggerConfig declares a cron-driven job creation.
type TriggerConfig struct {
	Name    string    `yaml:"name"`
	Cron    string    `yaml:"cron"`
	JobType JobType   `yaml:"job_type"`
	Config  JobConfig `yaml:"config"`
}

// RegistryConfig tunes the live workflow registry.
type RegistryConfig struct {
	RetireAfter time.Duration `yaml:"retire_after"`
}

// PreparationConfig holds the target platform's content constraints.
type PreparationConfig struct {
	MaxTitleLength int `yaml:"max_title_length"`
	MaxBodyLength  int `yaml:"max_body_length"`
	MaxHashtags    int `yaml:"max_hashtags"`
}

// RecordsConfig controls the optional queryable mirror of publish records.
type RecordsConfig struct {
	DuckDBPath string `yaml:"duckdb_path"`
}

// AppConfig is the main application configuration
type AppConfig struct {
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LLM          LLMProviderConfig  `yaml:"llm"`
	Publisher    PublisherConfig    `yaml:"publisher"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Registry     RegistryConfig     `yaml:"registry"`
	Preparation  PreparationConfig  `yaml:"preparation"`
	Records      RecordsConfig      `yaml:"records"`
	Triggers     []TriggerConfig    `yaml:"triggers"`
}

// DefaultDependencies is the built-in dependency chain between job types.
func DefaultDependencies() map[JobType][]JobType {
	return map[JobType][]JobType{
		JobTypeAnalysis:    {JobTypeCollection},
		JobTypeGeneration:  {JobTypeAnalysis},
		JobTypeStyleUpdate: {JobTypeAnalysis},
	}
}

// DefaultWorkflowConfig returns the per-instance defaults.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		AutoApprove:     false,
		MaxRevisions:    3,
		ReviewTimeout:   24 * time.Hour,
		PublishTimeout:  5 * time.Minute,
		VerifyPublished: true,
	}
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		DataDir:  "data",
		LogLevel: "info",
		LLM: LLMProviderConfig{
			Provider:     "openai",
			BaseURL:      "http://localhost:11434/v1",
			DefaultModel: "gemma3:12b",
			Timeout:      60 * time.Second,
		},
		Publisher: PublisherConfig{
			Timeout: 2 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:   3,
			MaxRetries:      3,
			BaseDelay:       5 * time.Second,
			FreshnessWindow: 24 * time.Hour,
			Retention:       72 * time.Hour,
			SweepInterval:   time.Hour,
			Dependencies:    DefaultDependencies(),
		},
		Workflow: DefaultWorkflowConfig(),
		Registry: RegistryConfig{
			RetireAfter: 5 * time.Minute,
		},
		Preparation: PreparationConfig{
			MaxTitleLength: 100,
			MaxBodyLength:  5000,
			MaxHashtags:    10,
		},
	}
}
