package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ChuLiYu/analysis-dispatch/internal/configversion"
	"github.com/ChuLiYu/analysis-dispatch/internal/recordstore"
	"github.com/ChuLiYu/analysis-dispatch/internal/registry"
)

var (
	errConflict   = errors.New("document already exists")
	errBadRequest = errors.New("invalid request body")
)

// envelope 所有 API 回應的外層格式
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

func okList[T any](c echo.Context, items []T) error {
	n := len(items)
	if items == nil {
		items = []T{}
	}
	return c.JSON(http.StatusOK, envelope{Success: true, Data: items, Count: &n})
}

func okMessage(c echo.Context, msg string, data any) error {
	return c.JSON(http.StatusOK, envelope{Success: true, Data: data, Message: msg})
}

func fail(c echo.Context, status int, err error) error {
	return c.JSON(status, envelope{Success: false, Error: err.Error()})
}

// failErr 依錯誤種類決定狀態碼
func failErr(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.Path()).Error("Request failed")
	}
	return fail(c, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownNode),
		errors.Is(err, registry.ErrNodeNotFound),
		errors.Is(err, configversion.ErrDocumentNotFound),
		errors.Is(err, recordstore.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidRequest),
		errors.Is(err, configversion.ErrInvalidDocument),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// errorHandler 讓 echo 自身的錯誤（404 路由、綁定失敗）也使用相同格式
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if m, isString := he.Message.(string); isString {
			msg = m
		}
	}
	if err := c.JSON(status, envelope{Success: false, Error: msg}); err != nil {
		log.WithError(err).Warn("Failed to write error response")
	}
}

// bind 解析 JSON body
func bind(c echo.Context, out any) error {
	if err := c.Bind(out); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
