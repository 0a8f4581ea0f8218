package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger 运维接口请求日志
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		// 处理请求
		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if operator := GetOperator(c); operator != "" {
			log.Printf("[OpsAPI] %s %s %s %d %v (operator=%s)",
				c.Request.Method, path, c.ClientIP(), status, latency, operator)
			return
		}
		log.Printf("[OpsAPI] %s %s %s %d %v",
			c.Request.Method, path, c.ClientIP(), status, latency)
	}
}
