package router

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/textileio/go-walletd/internal/router/controllers"
	"github.com/textileio/go-walletd/internal/router/middlewares"
	"github.com/textileio/go-walletd/internal/walletd"
	"github.com/textileio/go-walletd/internal/walletd/impl"
	"github.com/textileio/go-walletd/pkg/txstore"
)

// ConfiguredRouter returns a fully configured Router that can be used as an http handler.
func ConfiguredRouter(
	svc walletd.Walletd,
	store txstore.Store,
	maxRPI uint64,
	rateLimInterval time.Duration,
) (*Router, error) {
	instrSvc, err := impl.NewInstrumentedWalletd(svc)
	if err != nil {
		return nil, fmt.Errorf("instrumenting wallet service: %s", err)
	}

	controller := controllers.NewController(instrSvc, store)
	infraController := controllers.NewInfraController()

	// General router configuration.
	router := NewRouter()
	router.Use(middlewares.CORS, middlewares.TraceID)

	rateLim, err := middlewares.RateLimitController(middlewares.RateLimiterConfig{
		MaxRPI:   maxRPI,
		Interval: rateLimInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("creating rate limit controller middleware: %s", err)
	}

	// Transaction lifecycle configuration.
	router.Post("/api/v1/transactions", controller.SubmitTransaction, middlewares.WithLogging, middlewares.OtelHTTP("SubmitTransaction"), rateLim)            // nolint
	router.Get("/api/v1/transactions", controller.ListTransactions, middlewares.WithLogging, middlewares.OtelHTTP("ListTransactions"), rateLim)               // nolint
	router.Get("/api/v1/transactions/{id}", controller.GetTransaction, middlewares.WithLogging, middlewares.OtelHTTP("GetTransaction"), rateLim)              // nolint
	router.Post("/api/v1/transactions/{id}/approve", controller.ApproveTransaction, middlewares.WithLogging, middlewares.OtelHTTP("ApproveTransaction"), rateLim) // nolint
	router.Post("/api/v1/transactions/{id}/reject", controller.RejectTransaction, middlewares.WithLogging, middlewares.OtelHTTP("RejectTransaction"), rateLim) // nolint
	router.Post("/api/v1/transactions/{id}/bump", controller.BumpFee, middlewares.WithLogging, middlewares.OtelHTTP("BumpFee"), rateLim)                       // nolint

	// Gas and event stream configuration.
	router.Get("/api/v1/gas", controller.EstimateGas, middlewares.WithLogging, middlewares.OtelHTTP("EstimateGas"), rateLim) // nolint
	router.Get("/api/v1/events", controller.Events, middlewares.WithLogging)

	router.Get("/version", infraController.Version, middlewares.WithLogging, middlewares.OtelHTTP("Version"), rateLim) // nolint

	// Health endpoint configuration.
	router.Get("/healthz", healthHandler)
	router.Get("/health", healthHandler)

	return router, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Router provides a nice api around mux.Router.
type Router struct {
	r *mux.Router
}

// NewRouter is a Mux HTTP router constructor.
func NewRouter() *Router {
	r := mux.NewRouter()
	r.PathPrefix("/").Methods(http.MethodOptions) // accept OPTIONS on all routes and do nothing
	return &Router{r: r}
}

// Get creates a subroute on the specified URI that only accepts GET. You can provide specific middlewares.
func (r *Router) Get(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodGet)
	sub.Use(mid...)
}

// Post creates a subroute on the specified URI that only accepts POST. You can provide specific middlewares.
func (r *Router) Post(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodPost)
	sub.Use(mid...)
}

// Delete creates a subroute on the specified URI that only accepts DELETE. You can provide specific middlewares.
func (r *Router) Delete(uri string, f func(http.ResponseWriter, *http.Request), mid ...mux.MiddlewareFunc) {
	sub := r.r.Path(uri).Subrouter()
	sub.HandleFunc("", f).Methods(http.MethodDelete)
	sub.Use(mid...)
}

// Use adds middlewares to all routes. Should be used when a middleware should be execute all all routes (e.g. CORS).
func (r *Router) Use(mid ...mux.MiddlewareFunc) {
	r.r.Use(mid...)
}

// Handler returns the configured router http handler.
func (r *Router) Handler() http.Handler {
	return r.r
}
