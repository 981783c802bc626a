// Package respond writes the JSON envelope shared by every gateway-produced
// response: {success, data?, error?{code, message, details?}}.
package respond

import (
	"github.com/gin-gonic/gin"
)

// Problem is the error half of the envelope.
type Problem struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Envelope is the response body.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Problem    `json:"error,omitempty"`
}

// OK writes a success envelope.
func OK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

// Error writes an error envelope and aborts the handler chain.
func Error(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, Envelope{
		Success: false,
		Error:   &Problem{Code: code, Message: message, Details: details},
	})
}
