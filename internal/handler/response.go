// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"omnichat-go/pkg/errorx"
	"omnichat-go/pkg/log"
)

// 机器可读的错误码。
const (
	CodeValidation    = "validation_error"
	CodeNotFound      = "not_found"
	CodeTranscription = "transcription_failed"
	CodeProviderAuth  = "provider_auth_error"
	CodeProviderQuota = "provider_quota_exceeded"
	CodeProviderBusy  = "provider_unavailable"
	CodeProvider      = "provider_error"
	CodeStore         = "store_error"
	CodeInternal      = "internal_error"
)

func success(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"code":    status,
		"message": message,
		"data":    data,
	})
}

// fail 把错误映射为状态码、错误码和面向用户的提示语，完整错误只写日志。
func fail(c *gin.Context, op string, err error) {
	status, code, message := classify(err)
	if status >= http.StatusInternalServerError {
		log.Errorw(op+" failed", "errorCode", code, "path", c.Request.URL.Path, "error", err)
	} else {
		log.Warnw(op+" rejected", "errorCode", code, "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{
		"code":      status,
		"message":   message,
		"errorCode": code,
		"data":      nil,
	})
}

func classify(err error) (int, string, string) {
	var ve *errorx.ValidationError
	var nf *errorx.NotFoundError
	var te *errorx.TranscriptionError
	var pe *errorx.ProviderError
	var se *errorx.StoreError

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, CodeValidation, "Sorry, I couldn't process that request: " + ve.Msg
	case errors.As(err, &nf):
		return http.StatusNotFound, CodeNotFound, "Sorry, that " + nf.Resource + " could not be found."
	case errors.As(err, &te):
		return http.StatusUnprocessableEntity, CodeTranscription, "Sorry, I couldn't understand the audio. Please try recording again."
	case errors.As(err, &pe):
		switch pe.Kind {
		case errorx.ProviderAuth:
			return http.StatusServiceUnavailable, CodeProviderAuth, "Sorry, the AI service rejected our credentials. Please check the API key configuration."
		case errorx.ProviderQuota:
			return http.StatusServiceUnavailable, CodeProviderQuota, "Sorry, the AI service quota has been exceeded. Please check the account."
		case errorx.ProviderTransient:
			return http.StatusServiceUnavailable, CodeProviderBusy, "Sorry, the AI service is temporarily unavailable. Please try again in a moment."
		default:
			return http.StatusBadGateway, CodeProvider, "Sorry, the AI service returned an unexpected error."
		}
	case errors.As(err, &se):
		return http.StatusInternalServerError, CodeStore, "Sorry, I couldn't save the conversation. Please try again."
	default:
		return http.StatusInternalServerError, CodeInternal, "Sorry, something went wrong while processing your request."
	}
}
