package node

import "github.com/gin-gonic/gin"

// Node is implemented by every relayctl daemon that exposes an HTTP surface.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
}
