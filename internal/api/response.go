package api

import (
	"errors"
	"net/http"

	"github.com/RichardoC/padchat/internal/models"
	"github.com/gin-gonic/gin"
)

// Response codes carried in the envelope next to the HTTP status.
const (
	CodeOK                = 0
	CodeValidation        = 1001
	CodeNotFound          = 1002
	CodeInvalidReference  = 1003
	CodeStore             = 2001
	CodeGeneration        = 2002
	CodeIntegrity         = 2003
	CodeStreamInterrupted = 2004
)

// Envelope wraps every JSON response.
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

var errorCodes = []struct {
	kind   error
	code   int
	status int
}{
	{models.ErrValidation, CodeValidation, http.StatusBadRequest},
	{models.ErrNotFound, CodeNotFound, http.StatusNotFound},
	{models.ErrInvalidReference, CodeInvalidReference, http.StatusUnprocessableEntity},
	{models.ErrStreamInterrupted, CodeStreamInterrupted, http.StatusInternalServerError},
	{models.ErrGeneration, CodeGeneration, http.StatusBadGateway},
	{models.ErrIntegrity, CodeIntegrity, http.StatusInternalServerError},
	{models.ErrStore, CodeStore, http.StatusInternalServerError},
}

// classify maps an error to its envelope code and HTTP status. Unknown errors
// are reported as store failures.
func classify(err error) (code, status int) {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.kind) {
			return ec.code, ec.status
		}
	}
	return CodeStore, http.StatusInternalServerError
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Envelope{Code: CodeOK, Data: data})
}

func fail(c *gin.Context, err error) {
	code, status := classify(err)
	c.AbortWithStatusJSON(status, Envelope{Code: code, Message: err.Error()})
}
