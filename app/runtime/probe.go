package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lexcodex/auditia/internal/config"
	"github.com/lexcodex/auditia/llm"
)

// ModelStatus describes one provider entry.
type ModelStatus struct {
	Name       string
	Configured bool
	Default    bool
}

// OllamaReport surfaces the health of the configured Ollama endpoint.
type OllamaReport struct {
	Endpoint      string
	Healthy       bool
	Models        []string
	SelectedModel string
	Error         string
}

// StorageReport says whether the data directories are usable.
type StorageReport struct {
	Backend   string
	Dir       string
	UploadDir string
	Writable  bool
	Error     string
}

// EnvironmentReport aggregates the doctor probes.
type EnvironmentReport struct {
	Storage   StorageReport
	Models    []ModelStatus
	Ollama    *OllamaReport
	Timestamp time.Time
}

// Healthy reports whether requests can be served at all.
func (r EnvironmentReport) Healthy() bool {
	if !r.Storage.Writable {
		return false
	}
	for _, m := range r.Models {
		if m.Configured {
			return true
		}
	}
	return false
}

// ProbeEnvironment checks storage, provider credentials and Ollama.
func ProbeEnvironment(ctx context.Context, cfg *config.Config) EnvironmentReport {
	report := EnvironmentReport{
		Storage:   probeStorage(cfg),
		Timestamp: time.Now(),
	}
	keys := map[string]string{
		llm.ModelGemini: cfg.Models.GeminiAPIKey,
		llm.ModelClaude: cfg.Models.AnthropicAPIKey,
		llm.ModelGPT4:   cfg.Models.OpenAIAPIKey,
	}
	for _, name := range []string{llm.ModelGemini, llm.ModelClaude, llm.ModelGPT4} {
		report.Models = append(report.Models, ModelStatus{
			Name:       name,
			Configured: strings.TrimSpace(keys[name]) != "",
			Default:    name == cfg.Models.Default,
		})
	}
	if cfg.Models.OllamaEndpoint != "" || cfg.Models.OllamaModel != "" {
		ollama := detectOllama(ctx, cfg.Models.OllamaEndpoint, cfg.Models.OllamaModel)
		report.Ollama = &ollama
		report.Models = append(report.Models, ModelStatus{
			Name:       llm.ModelOllama,
			Configured: ollama.Healthy,
			Default:    cfg.Models.Default == llm.ModelOllama,
		})
	}
	return report
}

func probeStorage(cfg *config.Config) StorageReport {
	report := StorageReport{
		Backend:   cfg.Storage.Backend,
		Dir:       cfg.Storage.Dir,
		UploadDir: cfg.Storage.UploadDir,
	}
	for _, dir := range []string{cfg.Storage.Dir, cfg.Storage.UploadDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			report.Error = err.Error()
			return report
		}
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			report.Error = err.Error()
			return report
		}
		name := f.Name()
		f.Close()
		_ = os.Remove(name)
	}
	if cfg.Storage.Backend == config.BackendSQLite {
		if _, err := os.Stat(filepath.Dir(cfg.DatabasePath())); err != nil {
			report.Error = err.Error()
			return report
		}
	}
	report.Writable = true
	return report
}

// detectOllama queries the Ollama tags endpoint to confirm health and models.
func detectOllama(ctx context.Context, endpoint, model string) OllamaReport {
	if endpoint == "" {
		endpoint = llm.DefaultOllamaEndpoint
	}
	report := OllamaReport{Endpoint: endpoint}
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(endpoint, "/")+"/api/tags", nil)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	resp, err := client.Do(req)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		report.Error = fmt.Sprintf("ollama responded with %s", resp.Status)
		return report
	}
	var payload struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		report.Error = err.Error()
		return report
	}
	for _, m := range payload.Models {
		report.Models = append(report.Models, m.Name)
		if m.Name == model {
			report.SelectedModel = m.Name
		}
	}
	report.Healthy = true
	if model != "" && report.SelectedModel == "" {
		report.Error = fmt.Sprintf("model %s not pulled", model)
	}
	return report
}
