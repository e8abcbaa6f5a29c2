package handler

import (
	"github.com/gin-gonic/gin"

	"the-digital-vault/internal/apperr"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type successEnvelope struct {
	Data any `json:"data"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, successEnvelope{Data: data})
}

func (s *Server) writeError(c *gin.Context, err error) {
	typed := apperr.As(err)
	if typed == nil {
		typed = apperr.Wrap(apperr.CodeInternal, err, "unexpected error")
	}
	meta := apperr.MetadataFor(typed.Code())

	msg := meta.PublicMessage
	switch typed.Code() {
	case apperr.CodeValidation,
		apperr.CodeUnauthorized,
		apperr.CodeForbidden,
		apperr.CodeNotFound,
		apperr.CodeExpired,
		apperr.CodeConflict:
		if m := typed.Message(); m != "" {
			msg = m
		}
	}

	payload := errorEnvelope{Error: apiError{Code: string(typed.Code()), Message: msg}}
	if meta.DetailsAllowed || typed.Code() == apperr.CodeExpired {
		payload.Error.Details = typed.Details()
	}

	if meta.HTTPStatus >= 500 {
		s.logg.Error(c.Request.Context(), "request failed", err)
	}
	c.JSON(meta.HTTPStatus, payload)
}
