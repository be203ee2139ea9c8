package config

import (
	"fmt"
	"sort"
	"strings"
)

// Entry is one effective configuration value with the layer that set it.
type Entry struct {
	Key    string
	Value  string
	Source string
}

// Entries returns every configuration key with its effective value and
// provenance, in declaration order. Secrets are masked.
func (c *Config) Entries() []Entry {
	pairs := []struct {
		key   string
		value string
	}{
		{"host", c.Host},
		{"port", fmt.Sprintf("%d", c.Port)},
		{"cors_origins", strings.Join(c.CORSOrigins, ",")},
		{"log_level", c.LogLevel},
		{"log_file", c.LogFile},
		{"db_path", c.DBPath},
		{"anthropic_api_key", maskSecret(c.AnthropicAPIKey)},
		{"anthropic_base_url", c.AnthropicBaseURL},
		{"api_timeout", c.APITimeout.String()},
		{"planning_model", c.PlanningModel},
		{"default_max_tokens", fmt.Sprintf("%d", c.DefaultMaxTokens)},
		{"anthropic_models", formatMap(c.AnthropicModels)},
		{"ollama_hosts", formatMap(c.OllamaHosts)},
		{"ollama_model", c.OllamaModel},
		{"ollama_embed_model", c.OllamaEmbedModel},
		{"comfyui_hosts", formatMap(c.ComfyUIHosts)},
		{"comfyui_checkpoint", c.ComfyUICheckpoint},
		{"comfyui_timeout", c.ComfyUITimeout.String()},
		{"comfyui_poll_interval", c.ComfyUIPollInterval.String()},
		{"daily_budget_usd", fmt.Sprintf("%.2f", c.DailyBudgetUSD)},
		{"monthly_budget_usd", fmt.Sprintf("%.2f", c.MonthlyBudgetUSD)},
		{"per_project_budget_usd", fmt.Sprintf("%.2f", c.PerProjectBudgetUSD)},
		{"budget_warn_percent", fmt.Sprintf("%.0f", c.BudgetWarnPercent)},
		{"max_concurrent_tasks", fmt.Sprintf("%d", c.MaxConcurrentTasks)},
		{"tick_interval", c.TickInterval.String()},
		{"max_tool_rounds", fmt.Sprintf("%d", c.MaxToolRounds)},
		{"max_task_retries", fmt.Sprintf("%d", c.MaxTaskRetries)},
		{"wave_checkpoints", fmt.Sprintf("%t", c.WaveCheckpoints)},
		{"shutdown_grace", c.ShutdownGrace.String()},
		{"stale_task_after", c.StaleTaskAfter.String()},
		{"context_forward_max_chars", fmt.Sprintf("%d", c.ContextForwardMaxChars)},
		{"checkpoint_on_retry_exhausted", fmt.Sprintf("%t", c.CheckpointOnRetryExhaust)},
		{"verification_enabled", fmt.Sprintf("%t", c.VerificationEnabled)},
		{"verification_model", c.VerificationModel},
		{"verification_max_tokens", fmt.Sprintf("%d", c.VerificationMaxTokens)},
		{"resource_check_interval", c.ResourceCheckInterval.String()},
		{"resource_skip_window", c.ResourceSkipWindow.String()},
		{"event_buffer_size", fmt.Sprintf("%d", c.EventBufferSize)},
		{"keepalive_interval", c.KeepaliveInterval.String()},
		{"event_retention_days", fmt.Sprintf("%d", c.EventRetentionDays)},
		{"workspace_root", c.WorkspaceRoot},
		{"knowledge_dir", c.KnowledgeDir},
	}

	entries := make([]Entry, len(pairs))
	for i, p := range pairs {
		entries[i] = Entry{Key: p.key, Value: p.value, Source: c.Provenance(p.key)}
	}
	return entries
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func formatMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ",")
}
