// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ridehail/internal/http/handlers"
	"ridehail/internal/http/middleware"
)

func NewRouter(d ServerDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(d.Log), middleware.Logging(d.Log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	if d.Verifier != nil {
		api.Use(middleware.Auth(d.Verifier))
	}

	rideHandler := handlers.NewRideHandler(d.Rides, d.Dispatch, d.Log)
	api.POST("/rides", rideHandler.Create)
	api.GET("/rides/:id", rideHandler.Get)
	api.GET("/rides/:id/events", rideHandler.History)
	api.POST("/rides/:id/cancel", rideHandler.Cancel)
	api.POST("/rides/:id/dispatch", rideHandler.Dispatch)
	api.POST("/rides/:id/arrive", rideHandler.Arrive)
	api.POST("/rides/:id/start", rideHandler.Start)
	api.POST("/rides/:id/complete", rideHandler.Complete)

	driverHandler := handlers.NewDriverHandler(d.Arbiter, d.Dispatch, d.Geo)
	api.GET("/drivers/:id", driverHandler.Status)
	api.GET("/drivers/:id/offers", driverHandler.Offers)
	api.POST("/drivers/:id/offers/:rideId/accept", driverHandler.Accept)
	api.PUT("/drivers/:id/location", driverHandler.UpdateLocation)
	api.PUT("/drivers/:id/online", driverHandler.SetOnline)
	api.PUT("/drivers/:id/eligibility", driverHandler.SetEligibility)

	matchingHandler := handlers.NewMatchingHandler(d.Matching)
	api.POST("/matching/candidates", matchingHandler.Candidates)

	return r
}
