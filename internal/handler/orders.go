package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"the-digital-vault/internal/apperr"
	"the-digital-vault/internal/domain"
	"the-digital-vault/internal/service"
)

func (s *Server) handleCreateOrder(c *gin.Context) {
	var in service.CreateOrderInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.writeError(c, apperr.Wrap(apperr.CodeValidation, err, "malformed order body"))
		return
	}
	order, err := s.orders.CreateOrder(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeData(c, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.orders.GetOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	writeData(c, http.StatusOK, order)
}

func (s *Server) handleOrderPayments(c *gin.Context) {
	records, err := s.orders.ListPayments(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if records == nil {
		records = []domain.PaymentRecord{}
	}
	writeData(c, http.StatusOK, records)
}
