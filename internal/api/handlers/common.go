package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/streamscribe/internal/utils"
)

type APIError struct {
	Success bool       `json:"success"`
	Code    utils.Code `json:"code"`
	Error   string     `json:"error"`
}

func writeError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)
	_ = c.Error(err)

	var ae *utils.AppError
	if errors.As(err, &ae) {
		c.JSON(status, APIError{
			Code:  ae.Code,
			Error: utils.PublicMessage(err),
		})
		return
	}

	c.JSON(status, APIError{
		Code:  utils.CodeInternal,
		Error: http.StatusText(status),
	})
}

func requireParam(c *gin.Context, name, op string) (string, bool) {
	v := c.Param(name)
	if v == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "missing "+name, nil))
		return "", false
	}
	return v, true
}
