// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Corphon/GrantForgeAI/internal/app"
	"github.com/Corphon/GrantForgeAI/internal/config"
	"github.com/Corphon/GrantForgeAI/internal/di"
	"github.com/Corphon/GrantForgeAI/internal/models"
	"github.com/Corphon/GrantForgeAI/internal/services"
	"github.com/Corphon/GrantForgeAI/internal/utils"

	// 注册生成提供商
	_ "github.com/Corphon/GrantForgeAI/internal/genai/providers/anthropic"
	_ "github.com/Corphon/GrantForgeAI/internal/genai/providers/openai"
)

// 控制台走查当前操作的草稿
var currentDraftID string

func main() {
	fmt.Println("🚀 GrantForgeAI Console App")
	fmt.Println("=================================")

	// 控制台走查默认用内存存储，不落盘
	if os.Getenv("STORAGE_BACKEND") == "" {
		os.Setenv("STORAGE_BACKEND", "memory")
	}

	// 初始化配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Printf("❌ 加载基础配置失败: %v", err)
		return
	}

	// 初始化日志系统
	logFile := fmt.Sprintf("logs/console_%s.log", time.Now().Format("2006-01-02"))
	if err := utils.InitLogger(logFile); err != nil {
		log.Printf("⚠️ 无法初始化结构化日志: %v", err)
		log.Println("继续运行...")
	} else {
		utils.GetLogger().Info("Console app starting", nil)
	}

	if err := config.InitConfig(baseConfig.DataDir); err != nil {
		log.Printf("❌ 初始化配置系统失败: %v", err)
		return
	}

	// 控制台不推送WebSocket事件
	if err := app.InitServices(services.NopEventSink{}); err != nil {
		log.Printf("❌ 初始化服务失败: %v", err)
		return
	}
	fmt.Println("✅ 服务初始化完成")

	for {
		showMenu()
		choice := getUserInput("请选择: ")

		switch choice {
		case "1", "ai":
			configureGenAI()
		case "2", "new":
			createDraft()
		case "3", "drafts":
			listDrafts()
		case "4", "fill":
			fillCurrentStep()
		case "5", "next":
			goNext()
		case "6", "back":
			goBack()
		case "7", "jump":
			jumpTo()
		case "8", "generate":
			generateSections()
		case "9", "build":
			buildDraft()
		case "10", "export":
			exportDraft()
		case "11", "progress":
			showProgress()
		case "12", "status":
			displayStatus()
		case "0", "quit", "exit":
			shutdown()
			fmt.Println("👋 再见!")
			return
		default:
			fmt.Println("⚠️ 无效的选择，请重试")
		}
		fmt.Println()
	}
}

// 显示菜单
func showMenu() {
	printBox("", strings.Join([]string{
		"📋 申请书草稿向导",
		"  1. 配置AI提供商",
		"  2. 新建草稿",
		"  3. 草稿列表/切换",
		"  4. 填写当前步骤",
		"  5. 下一步",
		"  6. 上一步",
		"  7. 跳转到步骤",
		"  8. 生成AI章节",
		"  9. 构建最终文档",
		"  10. 导出申请书",
		"  11. 查看进度",
		"  12. 服务状态",
		"  0. 退出",
	}, "\n"))
}

// 获取用户输入
func getUserInput(prompt string) string {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

// 获取用户输入 (带默认值)
func getUserInputWithDefault(prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [默认: %s]: ", prompt, defaultValue)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	input := strings.TrimSpace(scanner.Text())
	if input == "" {
		return defaultValue
	}
	return input
}

func wizardService() *services.WizardService {
	return di.GetContainer().Get("wizard").(*services.WizardService)
}

func generationService() *services.GenerationService {
	return di.GetContainer().Get("genai").(*services.GenerationService)
}

func exportService() *services.ExportService {
	return di.GetContainer().Get("export").(*services.ExportService)
}

func configService() *services.ConfigService {
	return di.GetContainer().Get("config").(*services.ConfigService)
}

// 配置AI提供商
func configureGenAI() {
	provider := getUserInputWithDefault("提供商 (openai/anthropic)", configService().GetGenAIProvider())
	apiKey := getUserInput("API密钥 (留空则使用离线模板): ")
	model := getUserInput("模型 (留空使用默认): ")

	cfgMap := map[string]string{}
	if apiKey != "" {
		if ok, reason := configService().ValidateAPIKey(provider, apiKey); !ok {
			fmt.Printf("⚠️ %s\n", reason)
		}
		cfgMap["api_key"] = apiKey
	}
	if model != "" {
		cfgMap["default_model"] = model
	}

	if err := configService().UpdateGenAIConfig(provider, cfgMap, "console"); err != nil {
		fmt.Printf("❌ 保存AI配置失败: %v\n", err)
		return
	}

	name, model, ready := generationService().Status()
	fmt.Printf("✅ AI配置已更新: provider=%s model=%s ready=%v\n", name, model, ready)
	if !ready {
		fmt.Println("💡 未配置密钥时生成功能使用确定性离线模板")
	}
}

// 新建草稿
func createDraft() {
	title := getUserInputWithDefault("申请书标题", "小规模事业者持续化补助金申请")

	state, err := wizardService().CreateDraft(context.Background(), title)
	if err != nil {
		fmt.Printf("❌ 创建草稿失败: %v\n", err)
		return
	}
	currentDraftID = state.Draft.ID
	fmt.Printf("✅ 草稿已创建: %s (共%d步)\n", currentDraftID, len(state.Steps))
}

// 草稿列表/切换
func listDrafts() {
	summaries, err := wizardService().ListDrafts(context.Background())
	if err != nil {
		fmt.Printf("❌ 获取草稿列表失败: %v\n", err)
		return
	}
	if len(summaries) == 0 {
		fmt.Println("📭 还没有草稿，先新建一个")
		return
	}

	for i, s := range summaries {
		marker := "  "
		if s.ID == currentDraftID {
			marker = "▶ "
		}
		fmt.Printf("%s%d. %s  [%s] 步骤%d 保存于%s\n",
			marker, i+1, s.Title, s.Status, s.CurrentStepIndex,
			s.LastSavedAt.Format("15:04:05"))
	}

	choice := getUserInput("切换到第几个 (回车跳过): ")
	if choice == "" {
		return
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(summaries) {
		fmt.Println("⚠️ 无效的序号")
		return
	}
	currentDraftID = summaries[idx-1].ID
	fmt.Printf("✅ 当前草稿: %s\n", currentDraftID)
}

func requireDraft() bool {
	if currentDraftID == "" {
		fmt.Println("⚠️ 请先新建或选择一个草稿")
		return false
	}
	return true
}

// 填写当前步骤
func fillCurrentStep() {
	if !requireDraft() {
		return
	}

	state, err := wizardService().GetState(context.Background(), currentDraftID)
	if err != nil {
		fmt.Printf("❌ 获取草稿状态失败: %v\n", err)
		return
	}

	var step *models.StepInfo
	for i := range state.Steps {
		if state.Steps[i].Ordinal == state.Draft.CurrentStepIndex {
			step = &state.Steps[i]
			break
		}
	}
	if step == nil {
		fmt.Println("❌ 找不到当前步骤定义")
		return
	}

	fmt.Printf("📝 第%d步: %s\n", step.Ordinal, step.Title)
	existing := state.Draft.StepValues(step.ID)
	values := map[string]any{}

	for _, field := range step.Fields {
		switch field.Kind {
		case "number":
			def := ""
			if v, ok := existing[field.Name]; ok {
				def = fmt.Sprintf("%v", v)
			}
			input := getUserInputWithDefault(field.Label, def)
			if input == "" {
				continue
			}
			n, err := strconv.ParseFloat(input, 64)
			if err != nil {
				fmt.Printf("⚠️ %s 不是数字，已跳过\n", input)
				continue
			}
			values[field.Name] = n
		case "bool":
			input := getUserInputWithDefault(field.Label+" (y/n)", "")
			if input == "" {
				continue
			}
			values[field.Name] = input == "y" || input == "yes" || input == "是"
		case "items":
			values[field.Name] = promptBudgetItems(existing[field.Name])
		default:
			def := ""
			if v, ok := existing[field.Name].(string); ok {
				def = v
			}
			input := getUserInputWithDefault(field.Label, def)
			if input == "" {
				continue
			}
			values[field.Name] = input
		}
	}

	if len(values) == 0 {
		fmt.Println("📭 没有输入任何字段")
		return
	}

	_, result, err := wizardService().UpdateStepData(context.Background(), currentDraftID, step.ID, values)
	if err != nil {
		fmt.Printf("❌ 保存步骤数据失败: %v\n", err)
		return
	}
	if result.OK {
		fmt.Println("✅ 当前步骤校验通过（自动保存中）")
	} else {
		fmt.Println("⚠️ 当前步骤还有校验错误:")
		printFieldErrors(result.Errors)
	}
}

// 录入经费条目，空名称结束
func promptBudgetItems(existing any) []any {
	if existing != nil {
		fmt.Println("💡 重新录入将覆盖已有经费条目")
	}
	items := []any{}
	for {
		name := getUserInput(fmt.Sprintf("条目%d名称 (回车结束): ", len(items)+1))
		if name == "" {
			break
		}
		amountStr := getUserInput("金额: ")
		amount, err := strconv.ParseFloat(amountStr, 64)
		if err != nil {
			fmt.Println("⚠️ 金额无效，条目已丢弃")
			continue
		}
		items = append(items, map[string]any{"name": name, "amount": amount})
	}
	return items
}

// 下一步
func goNext() {
	if !requireDraft() {
		return
	}

	state, result, err := wizardService().GoNext(context.Background(), currentDraftID)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	if !result.OK {
		fmt.Println("⚠️ 当前步骤未通过校验，无法前进:")
		printFieldErrors(result.Errors)
		return
	}
	fmt.Printf("✅ 已前进到第%d步 (进度 %.0f%%)\n", state.Draft.CurrentStepIndex, state.Progress)
}

// 上一步
func goBack() {
	if !requireDraft() {
		return
	}

	state, err := wizardService().GoBack(context.Background(), currentDraftID)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	fmt.Printf("✅ 已回退到第%d步（数据保留）\n", state.Draft.CurrentStepIndex)
}

// 跳转到步骤
func jumpTo() {
	if !requireDraft() {
		return
	}

	input := getUserInput("跳转到第几步: ")
	target, err := strconv.Atoi(input)
	if err != nil {
		fmt.Println("⚠️ 无效的步骤号")
		return
	}

	state, err := wizardService().JumpTo(context.Background(), currentDraftID, target)
	if err != nil {
		fmt.Printf("🚫 %v\n", err)
		return
	}
	fmt.Printf("✅ 已跳转到第%d步\n", state.Draft.CurrentStepIndex)
}

// 生成AI章节
func generateSections() {
	if !requireDraft() {
		return
	}

	fmt.Println("可生成的章节:")
	sections := models.AISections()
	for i, id := range sections {
		fmt.Printf("  %d. %s (%s)\n", i+1, models.SectionHeading(id), id)
	}
	choice := getUserInput("选择章节序号，或 a 生成全部: ")

	ctx := context.Background()
	if choice == "a" || choice == "all" {
		outcomes, err := generationService().GenerateAll(ctx, currentDraftID)
		if err != nil {
			fmt.Printf("❌ 批量生成失败: %v\n", err)
			return
		}
		for _, outcome := range outcomes {
			fmt.Printf("  %s → %s (%d字)\n",
				models.SectionHeading(outcome.Section), modeLabel(outcome.Mode),
				outcome.TextLength)
		}
		return
	}

	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(sections) {
		fmt.Println("⚠️ 无效的序号")
		return
	}
	sectionID := sections[idx-1]

	content, err := generationService().GenerateSection(ctx, currentDraftID, sectionID)
	if err != nil {
		fmt.Printf("❌ 生成失败: %v\n", err)
		return
	}
	fmt.Printf("✅ %s 生成完成 [%s]\n", models.SectionHeading(sectionID), modeLabel(content.Mode))
	printBox(models.SectionHeading(sectionID), content.Text)
}

func modeLabel(mode string) string {
	switch mode {
	case models.GenerationModePrimary:
		return "AI生成"
	case models.GenerationModeDegradedRetry:
		return "AI生成(降级重试)"
	case models.GenerationModeFallbackTemplate:
		return "离线模板"
	default:
		return mode
	}
}

// 构建最终文档
func buildDraft() {
	if !requireDraft() {
		return
	}

	state, failures, err := wizardService().Build(context.Background(), currentDraftID)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	if len(failures) > 0 {
		fmt.Println("⚠️ 以下步骤未通过校验，无法构建:")
		for _, sv := range failures {
			fmt.Printf("  第%d步 %s:\n", sv.Ordinal, sv.StepID)
			printFieldErrors(sv.Result.Errors)
		}
		return
	}
	fmt.Printf("✅ 最终文档已构建: %s (%d个章节)\n",
		state.Draft.Title, len(state.Draft.FinalDocument.Sections))
}

// 导出申请书
func exportDraft() {
	if !requireDraft() {
		return
	}

	format := getUserInputWithDefault("导出格式 (pdf/html/markdown/json/txt)", "pdf")

	result, err := exportService().Export(context.Background(), currentDraftID, format)
	if err != nil {
		fmt.Printf("❌ 导出失败: %v\n", err)
		return
	}

	fmt.Printf("✅ 导出完成: %s (%d字节)\n", result.FilePath, result.FileSize)
	if result.PageCount > 0 {
		fmt.Printf("📄 共%d页\n", result.PageCount)
	}
	if result.Fallback {
		fmt.Println("💡 PDF渲染不可用，已降级为可打印的HTML文档")
	}
}

// 查看进度
func showProgress() {
	if !requireDraft() {
		return
	}

	report, err := wizardService().Progress(context.Background(), currentDraftID)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}

	fmt.Printf("📊 进度 %.0f%%  当前第%d步  最远已验证第%d步  状态:%s\n",
		report.Progress, report.CurrentStepIndex, report.FurthestValidatedStep, report.Status)
	for _, sv := range report.Steps {
		mark := "✗"
		if sv.Result.OK {
			mark = "✓"
		}
		fmt.Printf("  %s 第%d步 %s\n", mark, sv.Ordinal, sv.StepID)
	}
}

// 服务状态
func displayStatus() {
	snapshot := app.HealthSnapshot()
	fmt.Println("🔍 服务状态:")
	for key, value := range snapshot {
		fmt.Printf("  %s: %v\n", key, value)
	}
}

func shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.GetApp().Shutdown(ctx); err != nil {
		fmt.Printf("⚠️ 关闭时出现错误: %v\n", err)
	}
}

func printFieldErrors(errs []models.FieldError) {
	for _, fe := range errs {
		fmt.Printf("    - %s: %s\n", fe.Field, fe.Message)
	}
}

// printBox 用边框包裹输出内容
func printBox(title, content string) {
	lines := strings.Split(content, "\n")
	width := utf8.RuneCountInString(title)
	for _, line := range lines {
		if w := utf8.RuneCountInString(line); w > width {
			width = w
		}
	}
	if width > 76 {
		width = 76
	}

	border := strings.Repeat("─", width+2)
	fmt.Printf("┌%s┐\n", border)
	if title != "" {
		fmt.Printf("│ %s │\n", padRight(title, width))
		fmt.Printf("├%s┤\n", border)
	}
	for _, line := range lines {
		for _, chunk := range wrapRunes(line, width) {
			fmt.Printf("│ %s │\n", padRight(chunk, width))
		}
	}
	fmt.Printf("└%s┘\n", border)
}

func padRight(s string, width int) string {
	pad := width - utf8.RuneCountInString(s)
	if pad <= 0 {
		return s
	}
	return s + strings.Repeat(" ", pad)
}

func wrapRunes(s string, width int) []string {
	runes := []rune(s)
	if len(runes) <= width {
		return []string{s}
	}
	var chunks []string
	for len(runes) > width {
		chunks = append(chunks, string(runes[:width]))
		runes = runes[width:]
	}
	chunks = append(chunks, string(runes))
	return chunks
}
