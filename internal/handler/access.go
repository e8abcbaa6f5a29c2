package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"the-digital-vault/internal/domain"
)

func (s *Server) handleResolve(c *gin.Context) {
	res, err := s.access.Resolve(c.Request.Context(), c.Param("tokenId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, res.Target)
}

func (s *Server) handleTokenStatus(c *gin.Context) {
	status, err := s.access.Status(c.Request.Context(), c.Param("tokenId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, status)
}

type revokeResponse struct {
	TokenID string `json:"tokenId"`
	Revoked bool   `json:"revoked"`
}

func (s *Server) handleRevoke(c *gin.Context) {
	tokenID := c.Param("tokenId")
	changed, err := s.access.Revoke(c.Request.Context(), tokenID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, revokeResponse{TokenID: tokenID, Revoked: changed})
}

func (s *Server) handleCustomerTokens(c *gin.Context) {
	tokens, err := s.access.ListActiveByCustomer(c.Request.Context(), strings.TrimSpace(c.Param("email")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, nonNil(tokens))
}

func (s *Server) handleOrderTokens(c *gin.Context) {
	orderID := c.Param("orderId")
	if _, err := s.orders.GetOrder(c.Request.Context(), orderID); err != nil {
		s.writeError(c, err)
		return
	}
	tokens, err := s.access.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, nonNil(tokens))
}

func nonNil(tokens []domain.AccessToken) []domain.AccessToken {
	if tokens == nil {
		return []domain.AccessToken{}
	}
	return tokens
}
