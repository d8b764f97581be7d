// Package auth guards per-order endpoints with the work token issued
// alongside each work order.
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"shardminer/backend/internal/mining"
	"shardminer/backend/internal/token"
)

const workOrderKey = "work_order"

type WorkOrderVerifier interface {
	VerifyWorkOrder(tokenString string) (mining.WorkOrder, error)
}

type AuthMiddleware struct {
	verifier WorkOrderVerifier
}

func NewAuthMiddleware(verifier WorkOrderVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// RequireWorkToken accepts "Authorization: Bearer <work token>" and
// stores the decoded order on the context.
func (m *AuthMiddleware) RequireWorkToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
			return
		}

		order, err := m.verifier.VerifyWorkOrder(tokenString)
		if err != nil {
			msg := "invalid work token"
			if errors.Is(err, token.ErrExpired) {
				msg = "work token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(workOrderKey, order)
		c.Next()
	}
}

// RequireOrderParam rejects requests whose path parameter differs from
// the work token's order id. It must run after RequireWorkToken.
func (m *AuthMiddleware) RequireOrderParam(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, ok := OrderFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "work token required"})
			return
		}
		if !SameOrder(order, c.Param(param)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "work token does not match order"})
			return
		}
		c.Next()
	}
}

func OrderFrom(c *gin.Context) (mining.WorkOrder, bool) {
	v, exists := c.Get(workOrderKey)
	if !exists {
		return mining.WorkOrder{}, false
	}
	order, ok := v.(mining.WorkOrder)
	return order, ok
}

func SameOrder(order mining.WorkOrder, orderID string) bool {
	return orderID != "" && order.ID == orderID
}
