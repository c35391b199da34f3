package config

// DefaultDomainRollups maps each rollup domain to the synonym tags it
// absorbs during bucketing. The rollup name itself is always a member.
func DefaultDomainRollups() map[string][]string {
	return map[string][]string{
		"pdf-processing":  {"pdf-processing", "pdf-extraction", "document-processing", "text-extraction"},
		"data-analysis":   {"data-analysis", "data-processing", "data-validation", "data-profiling", "excel"},
		"frontend":        {"frontend", "ui", "dashboard", "html-generation", "forms"},
		"api-development": {"api-development", "backend", "api", "fastapi"},
		"deployment":      {"deployment", "infrastructure", "devops", "ci-cd"},
		"ai-integration":  {"ai-integration", "llm", "prompt-engineering", "machine-learning"},
		"monitoring":      {"monitoring", "logging", "observability", "error-handling"},
	}
}

// DefaultDomainVocabulary lists the domain tags an enrichment oracle may
// assign. Projects customize this per corpus.
func DefaultDomainVocabulary() []string {
	return []string{
		"data-analysis", "data-processing", "data-validation", "data-profiling",
		"pdf-processing", "pdf-extraction", "document-processing", "text-extraction",
		"api-development", "backend", "frontend", "ui", "dashboard",
		"deployment", "infrastructure", "devops", "ci-cd",
		"ai-integration", "llm", "prompt-engineering", "machine-learning",
		"database", "sql", "nosql", "data-modeling",
		"testing", "qa", "automation", "scripting",
		"logging", "monitoring", "observability", "error-handling",
		"authentication", "security", "authorization",
		"file-processing", "image-processing", "audio-processing", "video-processing",
		"web-scraping", "etl", "data-pipeline", "workflow-automation",
		"cli-tools", "utilities", "configuration", "settings",
	}
}

// DefaultPatternVocabulary lists the workflow pattern tags an enrichment
// oracle may assign.
func DefaultPatternVocabulary() []string {
	return []string{
		"feature-implementation", "bug-fix", "refactor", "optimization",
		"integration", "migration", "upgrade", "configuration",
		"extraction", "transformation", "loading", "etl",
		"api-wrapper", "client-library", "sdk-integration",
		"ui-component", "form-handling", "data-visualization",
		"error-handling", "retry-logic", "fallback",
		"caching", "performance", "scaling",
		"validation", "sanitization", "normalization",
		"report-generation", "export", "import",
		"scheduled-task", "batch-processing", "async-processing",
		"template-creation", "code-generation", "scaffolding",
	}
}
