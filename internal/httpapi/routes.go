package httpapi

import (
	"github.com/gin-gonic/gin"

	"call-insights/internal/rbac"
)

// Register wires the API onto r. authMW must verify the access token and put
// the identity on the request context.
// Keep this free of business logic. Handlers delegate to internal modules.
func (h Handlers) Register(r gin.IRouter, authMW gin.HandlerFunc) {
	r.POST("/v1/auth/login", h.Login)

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", h.Me)
		v1.PUT("/me/telegram", h.SetTelegramChat)

		callGroup := v1.Group("/calls")
		callGroup.Use(rbac.RequireAnyRole(rbac.RoleUser))
		{
			callGroup.POST("", h.CreateCall)
			callGroup.GET("/:id", h.GetCall)
			callGroup.GET("/:id/status", h.CallStatus)
			callGroup.POST("/:id/reprocess", h.ReprocessCall)
			callGroup.DELETE("/:id", h.DeleteCall)
		}

		// Browsers cannot set headers on upgrades; authMW also reads ?token=.
		ws := v1.Group("/ws")
		{
			ws.GET("/calls", h.WatchCalls)
			ws.GET("/calls/:id", h.WatchCall)
		}

		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAdmin())
		{
			admin.POST("/reaper/run", h.RunReaper)
			admin.POST("/retention/run", h.RunRetention)
			admin.POST("/reports/:date", h.GenerateReport)
			admin.GET("/reports", h.ListReports)
			admin.GET("/reports/export.xlsx", h.ExportReports)
		}
	}
}
