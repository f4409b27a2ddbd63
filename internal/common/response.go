// Package common holds the small cross-cutting pieces every HTTP handler
// shares: the {code, message, data} response envelope.
package common

import "github.com/gin-gonic/gin"

// Envelope is the uniform JSON shape every handler responds with.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// OK writes a 200 response with code 0 ("success") and the given payload.
func OK(c *gin.Context, data any) {
	c.JSON(200, Envelope{Code: 0, Message: "success", Data: data})
}

// Fail writes httpStatus with the given business code and message, data
// omitted.
func Fail(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, Envelope{Code: code, Message: message})
}
