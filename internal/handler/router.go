package handler

import (
	"partnerledger/internal/config"
	"partnerledger/internal/infrastructure/lock"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, locks lock.Provider, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, locks, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 销售事件接入
		sale := api.Group("/sale")
		{
			sale.POST("/finalized", h.SaleFinalized)
		}

		// 会员相关
		member := api.Group("/member")
		{
			member.GET("/balance", h.GetBalance)
			member.GET("/ledger", h.ListLedger)
			member.GET("/upline", h.GetUpline)
			member.POST("/referrer", h.SetReferrer)
		}

		// 合伙人相关
		partner := api.Group("/partner")
		{
			partner.POST("/grant", h.GrantEnrollment)
		}

		// 提现相关
		withdraw := api.Group("/withdraw")
		{
			withdraw.POST("/execute", h.Withdraw)
		}

		// 周期相关
		cycle := api.Group("/cycle")
		{
			cycle.GET("/status", h.GetCycleStatus)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
