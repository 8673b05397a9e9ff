// internal/api/websocket_handlers.go
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Corphon/GrantForgeAI/internal/di"
	"github.com/Corphon/GrantForgeAI/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketHandler 处理 WebSocket 相关的 HTTP 请求
type WebSocketHandler struct {
	wizardService *services.WizardService
	draftService  *services.DraftService
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler() *WebSocketHandler {
	container := di.GetContainer()

	return &WebSocketHandler{
		wizardService: container.Get("wizard").(*services.WizardService),
		draftService:  container.Get("draft").(*services.DraftService),
	}
}

// DraftWebSocket 处理草稿订阅 WebSocket 连接
// 客户端连上后会收到该草稿的全部领域事件（自动保存、步骤切换、生成进度等）
func (wh *WebSocketHandler) DraftWebSocket(c *gin.Context) {
	draftID := c.Param("id")
	if draftID == "" {
		log.Printf("❌ WebSocket 连接失败：草稿ID缺失")
		http.Error(c.Writer, "草稿ID缺失", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ 草稿 WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	// 客户端可以自带标识，便于多端编辑时区分日志
	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()[:8]
	}

	// 创建客户端
	client := &WebSocketClient{
		conn:      &WebSocketConnWrapper{conn},
		draftID:   draftID,
		clientID:  clientID,
		send:      make(chan []byte, 256),
		closed:    0,
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	// 注册客户端
	select {
	case wsManager.register <- client:
		// Success
	default:
		log.Printf("❌ 无法注册 WebSocket 客户端，注册通道已满")
		return
	}

	defer func() {
		// Unregister with timeout to prevent blocking
		done := make(chan bool, 1)
		go func() {
			wsManager.unregister <- client
			done <- true
		}()

		select {
		case <-done:
			// Successfully unregistered
		case <-time.After(5 * time.Second):
			log.Printf("⚠️ WebSocket 客户端注销超时")
		}
	}()

	// 启动读写协程
	go wh.handleWebSocketWrites(client)
	go wh.handleWebSocketReads(client)

	// 发送连接确认消息
	wh.sendWelcomeMessage(client, draftID, clientID)

	// 等待连接关闭
	<-c.Request.Context().Done()
	log.Printf("📱 草稿 %s 的 WebSocket 连接已关闭 (客户端: %s)", draftID, clientID)
}

// handleWebSocketReads 处理 WebSocket 读取
func (wh *WebSocketHandler) handleWebSocketReads(client *WebSocketClient) {
	defer func() {
		if !client.IsClosed() {
			select {
			case wsManager.unregister <- client:
			case <-time.After(1 * time.Second):
				log.Printf("⚠️ 读取协程关闭时注销超时")
			}
		}
	}()

	// 设置读取超时和ping处理
	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if client.IsClosed() {
			break
		}

		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("❌ WebSocket 读取错误: %v", err)
			}
			break
		}

		// 解析JSON消息
		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			log.Printf("⚠️ JSON解析失败: %v", err)
			continue
		}

		// 更新活跃时间
		client.UpdatePing()

		// 处理收到的消息
		wh.handleMessage(client, message)
	}
}

// handleWebSocketWrites 处理 WebSocket 写入
func (wh *WebSocketHandler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		// 发送通道由本协程负责关闭，CAS保证只关闭一次
		if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
			func() {
				defer func() {
					if recover() != nil {
						// 通道已被关闭，忽略
					}
				}()
				close(client.send)
			}()
			client.conn.Close()
		} else {
			func() {
				defer func() {
					if recover() != nil {
						// 通道已被关闭，忽略
					}
				}()
				close(client.send)
			}()
			client.conn.Close()
		}
	}()

	for {
		select {
		case message, ok := <-client.send:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// 通道已关闭，发送关闭帧
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("❌ WebSocket 写入失败: %v", err)
				return
			}

		case <-ticker.C:
			if client.IsClosed() {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("❌ WebSocket ping 失败: %v", err)
				return
			}
			client.UpdatePing()

		case <-time.After(60 * time.Second):
			// 兜底超时检查
			if client.IsClosed() {
				return
			}
		}
	}
}

// handleMessage 处理收到的 WebSocket 消息
func (wh *WebSocketHandler) handleMessage(client *WebSocketClient, message map[string]interface{}) {
	msgType, ok := message["type"].(string)
	if !ok {
		log.Printf("⚠️ 收到无效的消息类型")
		return
	}

	switch msgType {
	case "request_state":
		wh.handleStateRequest(client)
	case "flush":
		wh.handleFlushRequest(client)
	case "ping":
		wh.handlePing(client)
	default:
		log.Printf("⚠️ 未知的消息类型: %s", msgType)
	}
}

// handleStateRequest 把当前向导状态回发给请求的客户端
// 多端编辑时客户端收到 step.changed 事件后用它拉取完整状态
func (wh *WebSocketHandler) handleStateRequest(client *WebSocketClient) {
	if wh.wizardService == nil {
		wh.sendError(client, "向导服务不可用")
		return
	}

	state, err := wh.wizardService.GetState(context.Background(), client.draftID)
	if err != nil {
		wh.sendError(client, "获取草稿状态失败: "+err.Error())
		return
	}

	stateMsg := map[string]interface{}{
		"type":      "draft:state",
		"draft_id":  client.draftID,
		"data":      state,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	client.SendMessage(stateMsg)
}

// handleFlushRequest 强制立即落盘当前草稿
// 编辑界面在用户离开页面前发送，确保不丢改动
func (wh *WebSocketHandler) handleFlushRequest(client *WebSocketClient) {
	if wh.draftService == nil {
		wh.sendError(client, "草稿服务不可用")
		return
	}

	if err := wh.draftService.FlushNow(context.Background(), client.draftID); err != nil {
		wh.sendError(client, "落盘失败: "+err.Error())
		return
	}

	confirmMsg := map[string]interface{}{
		"type":      "draft:flushed",
		"draft_id":  client.draftID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	client.SendMessage(confirmMsg)
}

// handlePing 处理ping消息
func (wh *WebSocketHandler) handlePing(client *WebSocketClient) {
	pong := map[string]interface{}{
		"type":      "pong",
		"timestamp": time.Now().Unix(),
	}

	client.SendMessage(pong)
}

// sendWelcomeMessage 发送欢迎消息
func (wh *WebSocketHandler) sendWelcomeMessage(client *WebSocketClient, draftID, clientID string) {
	welcomeMsg := map[string]interface{}{
		"type":      "connected",
		"draft_id":  draftID,
		"client_id": clientID,
		"timestamp": time.Now().Format(time.RFC3339),
		"message":   "WebSocket 连接已建立",
	}

	client.SendMessage(welcomeMsg)
}

// sendError 发送错误消息
func (wh *WebSocketHandler) sendError(client *WebSocketClient, errorMsg string) {
	errorResponse := map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if msgBytes, err := json.Marshal(errorResponse); err == nil {
		select {
		case client.send <- msgBytes:
		default:
			log.Printf("⚠️ 无法发送错误消息到客户端，队列已满")
		}
	}
}
