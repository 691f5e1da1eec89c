package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sjawhar/milo/internal/llm"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all Milo environment variables.
const EnvPrefix = "MILO_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`

	Bus       string `yaml:"bus"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`

	Transcriber      string `yaml:"transcriber"`
	TranscriberModel string `yaml:"transcriber_model"`
	Language         string `yaml:"language"`

	SummaryModel  string `yaml:"summary_model"`
	ResponseModel string `yaml:"response_model"`
	OllamaURL     string `yaml:"ollama_url"`

	Synthesizer string `yaml:"synthesizer"`
	TTSModel    string `yaml:"tts_model"`
	TTSVoice    string `yaml:"tts_voice"`
	TTSCommand  string `yaml:"tts_command"`

	FFmpegPath        string `yaml:"ffmpeg_path"`
	PersonaFile       string `yaml:"persona_file"`
	SummaryPromptFile string `yaml:"summary_prompt_file"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets, env vars only.
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
	RedisPassword   string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:            "127.0.0.1:5000",
		DataDir:               "data",
		DBPath:                "data/milo.db",
		Bus:                   "memory",
		RedisAddr:             "localhost:6379",
		Transcriber:           "openai",
		Language:              "fr",
		SummaryModel:          "openai/gpt-4o-mini",
		ResponseModel:         "openai/gpt-4o-mini",
		OllamaURL:             llm.DefaultOllamaURL,
		Synthesizer:           "openai",
		TTSModel:              "tts-1",
		TTSVoice:              "alloy",
		FFmpegPath:            "ffmpeg",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// StagingDir is the root of the staging areas.
func (c *Config) StagingDir() string {
	return filepath.Join(c.DataDir, "staging")
}

// APIKeyFor returns the secret for an LLM provider. Ollama needs none.
func (c *Config) APIKeyFor(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	case "gemini":
		return c.GeminiAPIKey
	default:
		return ""
	}
}

func applyEnvOverrides(cfg *Config) {
	strs := map[string]*string{
		"LISTEN_ADDR":             &cfg.ListenAddr,
		"DATA_DIR":                &cfg.DataDir,
		"DB_PATH":                 &cfg.DBPath,
		"BUS":                     &cfg.Bus,
		"REDIS_ADDR":              &cfg.RedisAddr,
		"TRANSCRIBER":             &cfg.Transcriber,
		"TRANSCRIBER_MODEL":       &cfg.TranscriberModel,
		"LANGUAGE":                &cfg.Language,
		"SUMMARY_MODEL":           &cfg.SummaryModel,
		"RESPONSE_MODEL":          &cfg.ResponseModel,
		"OLLAMA_URL":              &cfg.OllamaURL,
		"SYNTHESIZER":             &cfg.Synthesizer,
		"TTS_MODEL":               &cfg.TTSModel,
		"TTS_VOICE":               &cfg.TTSVoice,
		"TTS_COMMAND":             &cfg.TTSCommand,
		"FFMPEG_PATH":             &cfg.FFmpegPath,
		"PERSONA_FILE":            &cfg.PersonaFile,
		"SUMMARY_PROMPT_FILE":     &cfg.SummaryPromptFile,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && db >= 0 {
			cfg.RedisDB = db
		}
	}
}

func loadSecrets(cfg *Config) {
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.RedisPassword = os.Getenv(EnvPrefix + "REDIS_PASSWORD")
}

func validate(cfg *Config) []string {
	var warnings []string

	switch cfg.Bus {
	case "memory", "redis":
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown bus %q, using memory.", cfg.Bus))
		cfg.Bus = "memory"
	}

	switch cfg.Transcriber {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured, transcription will fail. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			warnings = append(warnings, "Deepgram API key not configured, transcription will fail. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown transcriber %q, using openai.", cfg.Transcriber))
		cfg.Transcriber = "openai"
	}

	for _, m := range []struct{ key, value string }{
		{"summary_model", cfg.SummaryModel},
		{"response_model", cfg.ResponseModel},
	} {
		provider, _, err := llm.ParseModel(m.value)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q, expected provider/model.", m.key, m.value))
			continue
		}
		if provider != "ollama" && cfg.APIKeyFor(provider) == "" {
			warnings = append(warnings, fmt.Sprintf("%s uses %s but %s%s_API_KEY is not set.", m.key, provider, EnvPrefix, strings.ToUpper(provider)))
		}
	}

	switch cfg.Synthesizer {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			warnings = append(warnings, "OpenAI API key not configured, speech synthesis will fail. Set "+EnvPrefix+"OPENAI_API_KEY.")
		}
	case "command":
		if !strings.Contains(cfg.TTSCommand, "{output}") {
			warnings = append(warnings, "tts_command must contain {output}, using openai synthesizer.")
			cfg.Synthesizer = "openai"
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown synthesizer %q, using openai.", cfg.Synthesizer))
		cfg.Synthesizer = "openai"
	}

	return dedupe(warnings)
}

func dedupe(warnings []string) []string {
	seen := make(map[string]struct{}, len(warnings))
	result := warnings[:0]
	for _, w := range warnings {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		result = append(result, w)
	}
	return result
}
