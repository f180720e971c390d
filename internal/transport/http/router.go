package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fintrackhq/ledger-service/internal/config"
	"github.com/fintrackhq/ledger-service/internal/service"
)

func NewRouter(svc *service.LedgerService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc)
	return r
}
