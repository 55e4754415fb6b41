package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/xserver-network/xserverd/internal/apperr"
)

// respondError writes err as the uniform error body.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(apperr.HTTPStatus(err), apperr.ToBody(err))
}

// bindError reports a malformed request body or query.
func bindError(c *gin.Context, err error) {
	respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "%s", err.Error()))
}
