package node

import (
	"context"

	"github.com/gin-gonic/gin"
)

// Node is an HTTP-facing component of the viewer process.
type Node interface {
	NodeID() string
	Kind() string
	HTTPRouter() *gin.Engine
	RegisterRoutes()
	Serve(ctx context.Context) error
}
