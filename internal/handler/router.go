package handler

import (
	"taskpay/internal/chain"
	"taskpay/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, chainClient *chain.SolanaClient, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(db, rdb, chainClient, cfg)

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.POST("/credit", h.Credit)
		}

		payout := api.Group("/payout")
		{
			payout.GET("/amount", h.GetPayoutAmount)
			payout.POST("/request", h.RequestPayout)
			payout.POST("/submit", h.SubmitPayout)
			payout.POST("/attach", h.AttachTransaction)
			payout.GET("/detail", h.GetPayout)
			payout.GET("/list", h.ListPayouts)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
