// internal/api/error_codes.go
package api

// API错误代码常量
const (
	// 通用错误
	ErrorBadRequest    = "BAD_REQUEST"
	ErrorNotFound      = "NOT_FOUND"
	ErrorInternalError = "INTERNAL_ERROR"
	ErrorConflict      = "CONFLICT"
	ErrorForbidden     = "FORBIDDEN"
	ErrorUnauthorized  = "UNAUTHORIZED"

	// 草稿相关错误
	ErrorDraftNotFound     = "DRAFT_NOT_FOUND"
	ErrorDraftCreateFailed = "DRAFT_CREATE_FAILED"
	ErrorDraftInvalid      = "DRAFT_INVALID"
	ErrorDraftBuilt        = "DRAFT_BUILT"
	ErrorDraftNotBuilt     = "DRAFT_NOT_BUILT"

	// 向导步骤相关错误
	ErrorStepNotFound         = "STEP_NOT_FOUND"
	ErrorStepValidationFailed = "STEP_VALIDATION_FAILED"
	ErrorStepOutOfRange       = "STEP_OUT_OF_RANGE"
	ErrorStepNotReachable     = "STEP_NOT_REACHABLE"

	// 自动保存相关错误
	ErrorAutosaveFailed = "AUTOSAVE_FAILED"

	// AI生成相关错误
	ErrorGenerationFailed        = "GENERATION_FAILED"
	ErrorGenerationStale         = "GENERATION_STALE"
	ErrorGenerationCancelled     = "GENERATION_CANCELLED"
	ErrorSectionNotFound         = "SECTION_NOT_FOUND"
	ErrorGenAIServiceUnavailable = "GENAI_SERVICE_UNAVAILABLE"
	ErrorGenAIConfigInvalid      = "GENAI_CONFIG_INVALID"
	ErrorConnectionFailed        = "CONNECTION_FAILED"

	// 文件相关错误
	ErrorFileInvalid  = "FILE_INVALID"
	ErrorFileNotFound = "FILE_NOT_FOUND"

	// 导出相关错误
	ErrorExportFailed             = "EXPORT_FAILED"
	ErrorExportServiceUnavailable = "EXPORT_SERVICE_UNAVAILABLE"
	ErrorExportFormatInvalid      = "EXPORT_FORMAT_INVALID"
	ErrorExportDataEmpty          = "EXPORT_DATA_EMPTY"
	ErrorExportTimeout            = "EXPORT_TIMEOUT"

	// 配置健康相关
	ErrorConfigUnhealthy = "CONFIG_UNHEALTHY"
	ErrorConfigNotLoaded = "CONFIG_NOT_LOADED"
	ErrorProviderMissing = "PROVIDER_MISSING"
	ErrorAPIKeyMissing   = "API_KEY_MISSING"
)
