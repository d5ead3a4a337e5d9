/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"github.com/anchorstack/custodia"
	"github.com/anchorstack/custodia/api/middleware"
	"github.com/anchorstack/custodia/config"
	"github.com/gin-gonic/gin"
)

type Api struct {
	custodia *custodia.Custodia
	router   *gin.Engine
}

// Router wires the HTTP surface. The custody webhook authenticates with its
// own signature header; everything else sits behind the secret-key guard
// when the server runs in secure mode.
func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/webhooks/custody", a.ReceiveCustodyWebhook)

	conf, err := config.Fetch()
	management := router.Group("/")
	if err == nil && conf.Server.Secure {
		management.Use(middleware.SecretKeyAuthMiddleware())
	}

	management.POST("/custody-transactions", a.CreateCustodyTransaction)
	management.GET("/custody-transactions/:id", a.GetCustodyTransaction)
	management.POST("/custody-transactions/:id/submit", a.SubmitCustodyTransaction)
	management.POST("/custody-transactions/:id/refund", a.RefundCustodyTransaction)
	management.GET("/custody-transactions/:id/payments", a.GetCustodyPayments)

	management.POST("/deposit-addresses", a.GenerateDepositAddress)
	management.GET("/pending-trust", a.ListPendingTrust)

	return a.router
}

func NewAPI(c *custodia.Custodia) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.Default()

	conf, err := config.Fetch()
	if err == nil {
		r.Use(middleware.RateLimitMiddleware(conf))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{custodia: c, router: r}
}
