// Package rest exposes notebook management over HTTP in front of the
// websocket transport: listing, creating, renaming and deleting
// notebooks, plus kernel reset and run-all.
package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulsebook/pulsebook/internal/infrastructure/storage"
)

// APIError is the JSON error envelope.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

// NewAPIError creates an API error.
func NewAPIError(code, message string, status int) *APIError {
	return &APIError{Code: code, Message: message, HTTPStatus: status}
}

// SuccessResponse is the JSON success envelope.
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

func respondJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, SuccessResponse{Data: data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, NewAPIError("ERROR", message, status))
}

func respondStorageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		respondError(c, http.StatusNotFound, err.Error())
		return
	}
	respondError(c, http.StatusInternalServerError, err.Error())
}
