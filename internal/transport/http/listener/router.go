package listenerhttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"dcagate/internal/confirm"
	"dcagate/internal/ingest"
	"dcagate/internal/logger"
	"dcagate/internal/store"

	"github.com/gin-gonic/gin"
)

const defaultStatusLimit = 10

type routes struct {
	callback CallbackHandler
	activity *ingest.Activity
	records  RecordLister
}

func (r *routes) register(router *gin.Engine) {
	if r.callback != nil {
		router.POST("/dca_button_callback", r.handleCallback)
	}
	if r.activity != nil {
		router.GET("/status", r.handleStatus)
		router.POST("/clear_logs", r.handleClearLogs)
	}
	if r.records != nil {
		router.GET("/confirmations", r.handleConfirmations)
	}
}

// callbackRequest 是外部 bot 转发的按钮点击。chat_id 可能是数字或字符串。
type callbackRequest struct {
	UserID          *int64     `json:"user_id"`
	CallbackData    string     `json:"callback_data"`
	CallbackQueryID string     `json:"callback_query_id"`
	MessageID       int64      `json:"message_id"`
	ChatID          flexString `json:"chat_id"`
}

type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("chat_id: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// handleCallback 在所有状态码下都返回 ingest.Result 形状的 {success, action, message}。
func (r *routes) handleCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warnf("[api] callback bind failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusBadRequest, ingest.Result{Message: "Invalid JSON body"})
		return
	}
	if req.UserID == nil || strings.TrimSpace(req.CallbackData) == "" {
		c.JSON(http.StatusBadRequest, ingest.Result{
			Action:  actionOf(req.CallbackData),
			Message: "user_id and callback_data are required",
		})
		return
	}
	ev := ingest.Event{
		Source:    ingest.SourcePush,
		QueryID:   strings.TrimSpace(req.CallbackQueryID),
		SenderID:  *req.UserID,
		Data:      strings.TrimSpace(req.CallbackData),
		ChatID:    strings.TrimSpace(string(req.ChatID)),
		MessageID: req.MessageID,
	}
	res, err := r.callback.Handle(c.Request.Context(), ev)
	switch {
	case errors.Is(err, confirm.ErrMalformedCallback):
		c.JSON(http.StatusBadRequest, ingest.Result{Message: "Invalid callback data"})
		return
	case store.IsFault(err):
		res.Success = false
		c.JSON(http.StatusInternalServerError, res)
		return
	case err != nil:
		logger.Errorf("[api] callback failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, ingest.Result{Action: actionOf(ev.Data), Message: "Internal error"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func actionOf(data string) string {
	action, _, err := confirm.ParseCallback(strings.TrimSpace(data))
	if err != nil {
		return ""
	}
	return string(action)
}

func (r *routes) handleStatus(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultStatusLimit)))
	if err != nil || limit <= 0 {
		limit = defaultStatusLimit
	}
	c.JSON(http.StatusOK, gin.H{
		"total_callbacks": r.activity.Len(),
		"recent":          r.activity.Recent(limit),
	})
}

func (r *routes) handleClearLogs(c *gin.Context) {
	n := r.activity.Clear()
	logger.Infof("[api] cleared %d activity entries ip=%s", n, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Cleared %d log entries", n)})
}

func (r *routes) handleConfirmations(c *gin.Context) {
	records, err := r.records.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts := map[confirm.Status]int{}
	for _, rec := range records {
		counts[rec.Status]++
	}
	c.JSON(http.StatusOK, gin.H{
		"total":   len(records),
		"counts":  counts,
		"records": store.Sorted(records),
	})
}
