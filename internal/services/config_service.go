// internal/services/config_service.go
package services

import (
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/GrantForgeAI/internal/config"
	"github.com/Corphon/GrantForgeAI/internal/utils"
)

// encryptedPrefix 标记配置文件中已加密的密钥值
const encryptedPrefix = "enc:"

// ConfigService 提供配置管理功能
// API密钥写入配置文件前用本地口令加密，读取时透明解密
type ConfigService struct {
	// 缓存最近获取的配置，减少反复访问底层存储
	cachedConfig *config.AppConfig

	// 配置更新时间
	lastUpdated time.Time

	// 配置变更事件订阅者
	subscribers []ConfigChangeSubscriber

	// 配置历史记录
	changeHistory []ConfigChangeRecord

	// 互斥锁保护内部状态
	mu sync.RWMutex

	// 配置访问审计
	auditEnabled bool
	auditLog     []ConfigAuditEntry
}

// ConfigChangeSubscriber AI配置变更订阅者接口
// 传入的providerConfig已完成解密，可直接用于提供商初始化
type ConfigChangeSubscriber interface {
	OnGenAIConfigChanged(provider string, providerConfig map[string]string)
}

// ConfigChangeRecord 配置变更记录
type ConfigChangeRecord struct {
	Timestamp time.Time
	ChangedBy string
	Section   string
	OldValue  interface{}
	NewValue  interface{}
}

// ConfigAuditEntry 配置访问审计条目
type ConfigAuditEntry struct {
	Timestamp time.Time
	Action    string // "read", "write"
	Section   string
	User      string
}

// NewConfigService 创建配置服务实例
func NewConfigService() *ConfigService {
	service := &ConfigService{
		lastUpdated:   time.Now(),
		subscribers:   make([]ConfigChangeSubscriber, 0),
		changeHistory: make([]ConfigChangeRecord, 0, 100),
		auditEnabled:  false,
		auditLog:      make([]ConfigAuditEntry, 0, 100),
	}

	// 初始化时加载配置到缓存
	service.cachedConfig = config.GetCurrentConfig()

	return service
}

// GetCurrentConfig 获取当前配置
func (s *ConfigService) GetCurrentConfig() *config.AppConfig {
	s.recordAudit("read", "全局配置", "system")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cachedConfig == nil {
		s.cachedConfig = config.GetCurrentConfig()
	}
	return s.cachedConfig
}

// UpdateGenAIConfig 更新AI提供商和配置
// api_key落盘前加密，变更完成后通知订阅者重建提供商
func (s *ConfigService) UpdateGenAIConfig(provider string, configMap map[string]string, changedBy string) error {
	if provider == "" {
		return errors.New("提供商名称不能为空")
	}

	oldConfig := s.GetCurrentConfig()
	oldProvider := oldConfig.GenAIProvider

	if _, ok := configMap["api_key"]; !ok {
		log.Println("警告: AI配置缺少api_key，生成功能将使用离线模板")
	}

	// 确保有默认模型
	if _, ok := configMap["default_model"]; !ok {
		switch provider {
		case "openai":
			configMap["default_model"] = "gpt-4o"
		case "anthropic":
			configMap["default_model"] = "claude-3-5-sonnet-latest"
		default:
			configMap["default_model"] = ""
		}
	}

	s.recordAudit("write", "AI配置", changedBy)

	// 落盘副本中的密钥改为密文
	stored := make(map[string]string, len(configMap))
	for k, v := range configMap {
		stored[k] = v
	}
	if key := stored["api_key"]; key != "" && !strings.HasPrefix(key, encryptedPrefix) {
		secret := oldConfig.ConfigSecret
		if secret == "" {
			log.Println("警告: 未设置CONFIG_SECRET，API密钥将以明文保存")
		} else {
			encrypted, err := utils.Encrypt(key, secret)
			if err != nil {
				return errors.New("加密API密钥失败: " + err.Error())
			}
			stored["api_key"] = encryptedPrefix + encrypted
		}
	}

	if err := config.UpdateGenAIConfig(provider, stored); err != nil {
		return err
	}

	s.mu.Lock()
	s.cachedConfig = config.GetCurrentConfig()
	s.lastUpdated = time.Now()
	s.mu.Unlock()

	s.recordChange("AI提供商", oldProvider, provider, changedBy)
	s.recordChange("AI配置", maskSecrets(oldConfig.GenAIConfig), maskSecrets(stored), changedBy)

	s.notifySubscribers(provider, s.GetGenAIConfig())
	return nil
}

// SaveConfig 保存当前配置
func (s *ConfigService) SaveConfig() error {
	return config.SaveConfig()
}

// GetGenAIProvider 获取当前AI提供商
func (s *ConfigService) GetGenAIProvider() string {
	return s.GetCurrentConfig().GenAIProvider
}

// GetGenAIConfig 获取解密后的AI配置
// 密文解不开时剔除该密钥并告警，生成服务会退回离线模板
func (s *ConfigService) GetGenAIConfig() map[string]string {
	cfg := s.GetCurrentConfig()

	decrypted := make(map[string]string, len(cfg.GenAIConfig))
	for k, v := range cfg.GenAIConfig {
		decrypted[k] = v
	}

	key := decrypted["api_key"]
	if strings.HasPrefix(key, encryptedPrefix) {
		plain, err := utils.Decrypt(strings.TrimPrefix(key, encryptedPrefix), cfg.ConfigSecret)
		if err != nil {
			log.Printf("⚠️ 解密API密钥失败，请检查CONFIG_SECRET是否变更: %v", err)
			delete(decrypted, "api_key")
		} else {
			decrypted["api_key"] = plain
		}
	}

	return decrypted
}

// ValidateAPIKey 校验API密钥的基本形态
// 只做本地形态检查，不发起网络请求
func (s *ConfigService) ValidateAPIKey(provider string, apiKey string) (bool, string) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return false, "API密钥不能为空"
	}
	if len(apiKey) < 16 {
		return false, "API密钥长度不足"
	}

	switch provider {
	case "openai":
		if !strings.HasPrefix(apiKey, "sk-") {
			return false, "OpenAI密钥应以sk-开头"
		}
	case "anthropic":
		if !strings.HasPrefix(apiKey, "sk-ant-") {
			return false, "Anthropic密钥应以sk-ant-开头"
		}
	}

	return true, ""
}

// SetDebugMode 设置调试模式
func (s *ConfigService) SetDebugMode(enabled bool) error {
	s.recordAudit("write", "调试模式", "system")

	if err := config.UpdateDebugMode(enabled); err != nil {
		return err
	}

	s.mu.Lock()
	s.cachedConfig = config.GetCurrentConfig()
	s.lastUpdated = time.Now()
	s.mu.Unlock()

	return nil
}

// SubscribeToChanges 订阅AI配置变更事件
func (s *ConfigService) SubscribeToChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = append(s.subscribers, subscriber)
}

// UnsubscribeFromChanges 取消配置变更订阅
func (s *ConfigService) UnsubscribeFromChanges(subscriber ConfigChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.subscribers {
		if sub == subscriber {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
}

// notifySubscribers 通知所有订阅者配置已变更
func (s *ConfigService) notifySubscribers(provider string, providerConfig map[string]string) {
	s.mu.RLock()
	subscribers := make([]ConfigChangeSubscriber, len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.RUnlock()

	for _, subscriber := range subscribers {
		go subscriber.OnGenAIConfigChanged(provider, providerConfig)
	}
}

// GetChangeHistory 获取配置变更历史
func (s *ConfigService) GetChangeHistory(limit int) []ConfigChangeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.changeHistory) {
		limit = len(s.changeHistory)
	}

	history := make([]ConfigChangeRecord, limit)
	startIdx := len(s.changeHistory) - limit
	copy(history, s.changeHistory[startIdx:])

	return history
}

// recordChange 记录配置变更
func (s *ConfigService) recordChange(section string, oldValue, newValue interface{}, changedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := ConfigChangeRecord{
		Timestamp: time.Now(),
		ChangedBy: changedBy,
		Section:   section,
		OldValue:  oldValue,
		NewValue:  newValue,
	}

	// 限制历史记录数量，避免无限增长
	if len(s.changeHistory) >= 1000 {
		s.changeHistory = s.changeHistory[1:]
	}

	s.changeHistory = append(s.changeHistory, record)
}

// EnableAudit 启用配置访问审计
func (s *ConfigService) EnableAudit(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditEnabled = enabled
}

// GetAuditLog 获取配置访问审计日志
func (s *ConfigService) GetAuditLog(limit int) []ConfigAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.auditEnabled {
		return nil
	}

	if limit <= 0 || limit > len(s.auditLog) {
		limit = len(s.auditLog)
	}

	entries := make([]ConfigAuditEntry, limit)
	startIdx := len(s.auditLog) - limit
	copy(entries, s.auditLog[startIdx:])

	return entries
}

// recordAudit 记录配置访问
func (s *ConfigService) recordAudit(action, section, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.auditEnabled {
		return
	}

	entry := ConfigAuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		Section:   section,
		User:      user,
	}

	// 限制审计日志数量
	if len(s.auditLog) >= 1000 {
		s.auditLog = s.auditLog[1:]
	}

	s.auditLog = append(s.auditLog, entry)
}

// StartCacheRefresher 启动一个后台goroutine定期刷新配置缓存
func (s *ConfigService) StartCacheRefresher(refreshInterval time.Duration) {
	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()

		for range ticker.C {
			s.mu.Lock()
			s.cachedConfig = config.GetCurrentConfig()
			s.lastUpdated = time.Now()
			s.mu.Unlock()
		}
	}()
}

// maskSecrets 变更记录里的密钥只留尾部特征
func maskSecrets(m map[string]string) map[string]string {
	masked := make(map[string]string, len(m))
	for k, v := range m {
		if k == "api_key" && v != "" {
			if len(v) > 6 {
				masked[k] = "***" + v[len(v)-4:]
			} else {
				masked[k] = "***"
			}
			continue
		}
		masked[k] = v
	}
	return masked
}
