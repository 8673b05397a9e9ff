// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port       string `json:"port"`
	DataDir    string `json:"data_dir"`
	ExportsDir string `json:"exports_dir"`
	LogDir     string `json:"log_dir"`
	DebugMode  bool   `json:"debug_mode"`

	// 草稿存储后端: file / memory / redis
	StorageBackend string `json:"storage_backend"`
	RedisAddr      string `json:"redis_addr,omitempty"`

	// 自动保存窗口（毫秒）
	AutosaveWindowMS int `json:"autosave_window_ms"`

	// AI生成相关配置
	GenAIProvider string            `json:"genai_provider"`
	GenAIConfig   map[string]string `json:"genai_config"`

	// 本地密钥加密用的口令，只从环境变量读取，不落盘
	ConfigSecret string `json:"-"`
}

// Config 存储应用配置
type Config struct {
	Port             string
	DataDir          string
	ExportsDir       string
	LogDir           string
	DebugMode        bool
	StorageBackend   string
	RedisAddr        string
	AutosaveWindowMS int
	GenAIProvider    string
	GenAIAPIKey      string
	GenAIModel       string
	ConfigSecret     string
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:             getEnv("PORT", "8080"),
		DataDir:          getEnvPath("DATA_DIR", "data"),
		ExportsDir:       getEnvPath("EXPORTS_DIR", "exports"),
		LogDir:           getEnvPath("LOG_DIR", "logs"),
		DebugMode:        getEnvBool("DEBUG_MODE", true),
		StorageBackend:   getEnv("STORAGE_BACKEND", "file"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		AutosaveWindowMS: getEnvInt("AUTOSAVE_WINDOW_MS", 1500),
		GenAIProvider:    getEnv("GENAI_PROVIDER", "openai"),
		GenAIAPIKey:      getEnv("GENAI_API_KEY", ""),
		GenAIModel:       getEnv("GENAI_MODEL", ""),
		ConfigSecret:     getEnv("CONFIG_SECRET", ""),
	}

	if config.GenAIAPIKey == "" {
		// 只记录警告，不返回错误：无密钥时走离线模板生成
		log.Println("警告: 未设置AI API密钥，生成功能将使用离线模板，可稍后在设置接口中配置")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0755)
		if err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数类型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Printf("警告: 环境变量 %s=%q 不是有效的正整数，使用默认值 %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	// 加载基础配置
	baseConfig, err := Load()
	if err != nil {
		return err
	}

	// 创建初始配置
	configMutex.Lock()
	defer configMutex.Unlock()

	currentConfig = &AppConfig{
		Port:             baseConfig.Port,
		DataDir:          baseConfig.DataDir,
		ExportsDir:       baseConfig.ExportsDir,
		LogDir:           baseConfig.LogDir,
		DebugMode:        baseConfig.DebugMode,
		StorageBackend:   baseConfig.StorageBackend,
		RedisAddr:        baseConfig.RedisAddr,
		AutosaveWindowMS: baseConfig.AutosaveWindowMS,
		GenAIProvider:    baseConfig.GenAIProvider,
		GenAIConfig: map[string]string{
			"api_key":       baseConfig.GenAIAPIKey,
			"default_model": baseConfig.GenAIModel,
		},
		ConfigSecret: baseConfig.ConfigSecret,
	}

	// 尝试从文件加载已保存的配置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 合并配置：保留文件中的AI设置，其余以环境变量为准
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.ExportsDir = baseConfig.ExportsDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode
				savedConfig.StorageBackend = baseConfig.StorageBackend
				savedConfig.RedisAddr = baseConfig.RedisAddr
				savedConfig.ConfigSecret = baseConfig.ConfigSecret
				if savedConfig.AutosaveWindowMS <= 0 {
					savedConfig.AutosaveWindowMS = baseConfig.AutosaveWindowMS
				}

				// 如果文件中没有API密钥，使用环境变量的密钥
				if savedConfig.GenAIConfig != nil && savedConfig.GenAIConfig["api_key"] == "" {
					savedConfig.GenAIConfig["api_key"] = baseConfig.GenAIAPIKey
				}

				currentConfig = &savedConfig
			}
		}
	}

	// 保存初始配置到文件
	return saveConfigLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:             baseConfig.Port,
			DataDir:          baseConfig.DataDir,
			ExportsDir:       baseConfig.ExportsDir,
			LogDir:           baseConfig.LogDir,
			DebugMode:        baseConfig.DebugMode,
			StorageBackend:   baseConfig.StorageBackend,
			RedisAddr:        baseConfig.RedisAddr,
			AutosaveWindowMS: baseConfig.AutosaveWindowMS,
			GenAIProvider:    baseConfig.GenAIProvider,
			GenAIConfig: map[string]string{
				"api_key": baseConfig.GenAIAPIKey,
			},
			ConfigSecret: baseConfig.ConfigSecret,
		}
	}

	// 返回配置的副本
	configCopy := *currentConfig
	configCopy.GenAIConfig = make(map[string]string, len(currentConfig.GenAIConfig))
	for k, v := range currentConfig.GenAIConfig {
		configCopy.GenAIConfig[k] = v
	}
	return &configCopy
}

// UpdateGenAIConfig 更新AI生成配置
func UpdateGenAIConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.GenAIProvider = provider
	currentConfig.GenAIConfig = config

	return saveConfigLocked()
}

// UpdateDebugMode 更新调试模式并落盘
func UpdateDebugMode(enabled bool) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.DebugMode = enabled
	return saveConfigLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return saveConfigLocked()
}

func saveConfigLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	// 确保目录存在
	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	// 序列化并保存
	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}
